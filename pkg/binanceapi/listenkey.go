package binanceapi

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
)

// Listen-key endpoints authorize the private user-data stream. They attach
// the API key header but carry no signature (USER_STREAM security type).

const listenKeyPath = "/api/v3/userDataStream"

// StartUserDataStream obtains a fresh listen key, valid for 60 minutes.
func (e *Executor) StartUserDataStream(ctx context.Context) (string, error) {
	req, err := NewRequest("POST", listenKeyPath, nil)
	if err != nil {
		return "", err
	}
	req = req.WithSecurity(SecurityAPIKey)

	resp, err := e.Execute(ctx, req)
	if err != nil {
		return "", err
	}

	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := resp.DecodeJSON(&payload); err != nil {
		return "", errors.Wrap(err, "decode listen key")
	}
	if payload.ListenKey == "" {
		return "", errors.New("binanceapi: venue returned an empty listen key")
	}

	return payload.ListenKey, nil
}

// KeepaliveUserDataStream extends the key's validity by another 60 minutes.
func (e *Executor) KeepaliveUserDataStream(ctx context.Context, listenKey string) error {
	if listenKey == "" {
		return errors.New("binanceapi: listen key is required")
	}

	params := url.Values{}
	params.Set("listenKey", listenKey)

	req, err := NewRequest("PUT", listenKeyPath, params)
	if err != nil {
		return err
	}
	req = req.WithSecurity(SecurityAPIKey)

	_, err = e.Execute(ctx, req)
	return err
}

// CloseUserDataStream invalidates the key at the venue.
func (e *Executor) CloseUserDataStream(ctx context.Context, listenKey string) error {
	if listenKey == "" {
		return errors.New("binanceapi: listen key is required")
	}

	params := url.Values{}
	params.Set("listenKey", listenKey)

	req, err := NewRequest("DELETE", listenKeyPath, params)
	if err != nil {
		return err
	}
	req = req.WithSecurity(SecurityAPIKey)

	_, err = e.Execute(ctx, req)
	return err
}
