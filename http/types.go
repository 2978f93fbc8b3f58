package http

import "go.sia.tech/carpd/pin"

type (
	// A PinRequest is the body of a pin creation request.
	PinRequest struct {
		CID     string            `json:"cid"`
		Name    string            `json:"name,omitempty"`
		Origins []string          `json:"origins,omitempty"`
		Meta    map[string]string `json:"meta,omitempty"`
	}

	// A PinResponse is a pin record together with its flattened info view.
	PinResponse struct {
		pin.Record
		Info map[string]string `json:"info"`
	}

	// A PinListResponse is the result of a pin list query. Count is the
	// number of matches before the limit was applied.
	PinListResponse struct {
		Count   int           `json:"count"`
		Results []PinResponse `json:"results"`
	}
)

func pinResponse(rec pin.Record) PinResponse {
	return PinResponse{
		Record: rec,
		Info:   rec.Info(),
	}
}
