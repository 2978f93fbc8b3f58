// Package http implements the carpd HTTP API, a thin adapter over the pin
// store's query surface.
package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ipfs/go-cid"
	"go.sia.tech/carpd/pin"
	"go.sia.tech/jape"
	"go.uber.org/zap"
)

type (
	// A PinStore is the subset of the pin store exposed over the API.
	PinStore interface {
		Pin(requester string, c cid.Cid, opts pin.Options) (pin.Record, error)
		Get(requester, id string) (pin.Record, bool)
		Update(requester, id string, opts pin.Options) (pin.Record, error)
		Cancel(requester, id string) error
		List(requester string, filter pin.Filter) (int, []pin.Record)
		ActivePinStats() []pin.ActiveStats
	}

	apiServer struct {
		pins PinStore
		log  *zap.Logger
	}
)

func requester(jc jape.Context) string {
	if r := jc.Request.Header.Get("X-Requester"); r != "" {
		return r
	}
	return "default"
}

func (as *apiServer) handlePinsPOST(jc jape.Context) {
	var req PinRequest
	if err := jc.Decode(&req); err != nil {
		return
	}
	c, err := cid.Parse(req.CID)
	if err != nil {
		jc.Error(fmt.Errorf("failed to parse cid: %w", err), http.StatusBadRequest)
		return
	}

	rec, err := as.pins.Pin(requester(jc), c, pin.Options{
		Name:    req.Name,
		Origins: req.Origins,
		Meta:    req.Meta,
	})
	if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}
	jc.Encode(pinResponse(rec))
}

func (as *apiServer) handlePinsGET(jc jape.Context) {
	var filter pin.Filter
	var cidStr, status string
	if err := jc.DecodeForm("cid", &cidStr); err != nil {
		return
	} else if err := jc.DecodeForm("name", &filter.Name); err != nil {
		return
	} else if err := jc.DecodeForm("status", &status); err != nil {
		return
	} else if err := jc.DecodeForm("limit", &filter.Limit); err != nil {
		return
	}
	if cidStr != "" {
		c, err := cid.Parse(cidStr)
		if err != nil {
			jc.Error(fmt.Errorf("failed to parse cid: %w", err), http.StatusBadRequest)
			return
		}
		filter.CID = c
	}
	filter.Status = pin.Status(status)

	count, records := as.pins.List(requester(jc), filter)
	resp := PinListResponse{
		Count:   count,
		Results: make([]PinResponse, 0, len(records)),
	}
	for _, rec := range records {
		resp.Results = append(resp.Results, pinResponse(rec))
	}
	jc.Encode(resp)
}

func (as *apiServer) handlePinGET(jc jape.Context) {
	var id string
	if err := jc.DecodeParam("id", &id); err != nil {
		return
	}
	rec, ok := as.pins.Get(requester(jc), id)
	if !ok {
		jc.Error(pin.ErrNotFound, http.StatusNotFound)
		return
	}
	jc.Encode(pinResponse(rec))
}

func (as *apiServer) handlePinPUT(jc jape.Context) {
	var id string
	if err := jc.DecodeParam("id", &id); err != nil {
		return
	}
	var opts pin.Options
	if err := jc.Decode(&opts); err != nil {
		return
	}
	rec, err := as.pins.Update(requester(jc), id, opts)
	if errors.Is(err, pin.ErrNotFound) {
		jc.Error(err, http.StatusNotFound)
		return
	} else if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}
	jc.Encode(pinResponse(rec))
}

func (as *apiServer) handlePinDELETE(jc jape.Context) {
	var id string
	if err := jc.DecodeParam("id", &id); err != nil {
		return
	}
	if err := as.pins.Cancel(requester(jc), id); err != nil {
		jc.Error(err, http.StatusNotFound)
		return
	}
}

func (as *apiServer) handleActiveStatsGET(jc jape.Context) {
	jc.Encode(as.pins.ActivePinStats())
}

// NewAPIHandler returns an http.Handler serving the carpd API.
func NewAPIHandler(pins PinStore, log *zap.Logger) http.Handler {
	as := &apiServer{
		pins: pins,
		log:  log,
	}
	return jape.Mux(map[string]jape.Handler{
		"POST /api/pins":        as.handlePinsPOST,
		"GET /api/pins":         as.handlePinsGET,
		"GET /api/pins/:id":     as.handlePinGET,
		"PUT /api/pins/:id":     as.handlePinPUT,
		"DELETE /api/pins/:id":  as.handlePinDELETE,
		"GET /api/stats/active": as.handleActiveStatsGET,
	})
}
