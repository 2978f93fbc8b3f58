// Package renterd implements the archive uploader against a renterd worker.
package renterd

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"go.sia.tech/carpd/config"
	"go.sia.tech/carpd/pin"
	"go.sia.tech/renterd/api"
	"go.sia.tech/renterd/worker"
	"go.uber.org/zap"
)

// An Uploader stores finished CAR archives as objects on a renterd node.
type Uploader struct {
	client *worker.Client
	bucket string
	log    *zap.Logger
}

// UploadCAR streams an archive to the renterd worker and returns the remote
// reference of the stored object.
func (u *Uploader) UploadCAR(ctx context.Context, root cid.Cid, r io.Reader) (pin.UploadResult, error) {
	key := root.Hash().B58String() + ".car"
	log := u.log.Named("upload").With(zap.String("key", key), zap.String("bucket", u.bucket))

	if _, err := u.client.UploadObject(ctx, r, u.bucket, key, api.UploadObjectOptions{}); err != nil {
		return pin.UploadResult{}, fmt.Errorf("failed to upload archive: %w", err)
	}
	log.Info("uploaded archive")
	return pin.UploadResult{
		Bucket: u.bucket,
		Key:    key,
	}, nil
}

// NewUploader creates an uploader targeting the configured renterd worker.
func NewUploader(cfg config.Renterd, log *zap.Logger) *Uploader {
	return &Uploader{
		client: worker.NewClient(cfg.WorkerAddress, cfg.WorkerPassword),
		bucket: cfg.Bucket,
		log:    log,
	}
}
