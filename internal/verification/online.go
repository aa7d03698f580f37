package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/metrics"
)

// VerifyRequest is the body of POST /v1/tickets/verify.
type VerifyRequest struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

// VerifyResponse is its answer.  It never says why a ticket is invalid.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// OnlineVerifier asks the server.  Transport errors, non-200 answers and
// undecodable bodies all mean "not valid".
type OnlineVerifier struct {
	client *http.Client
	url    string
}

// NewOnlineVerifier targets the verify endpoint at url.  client may be nil.
func NewOnlineVerifier(url string, client *http.Client) *OnlineVerifier {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &OnlineVerifier{client: client, url: url}
}

// Verify implements TokenVerifier.
func (o *OnlineVerifier) Verify(ctx context.Context, token, signature string) bool {
	ok := o.verify(ctx, token, signature)
	metrics.TicketVerificationsTotal.WithLabelValues("online", resultLabel(ok)).Inc()
	return ok
}

func (o *OnlineVerifier) verify(ctx context.Context, token, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	body, err := json.Marshal(VerifyRequest{Token: token, Signature: signature})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var out VerifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<10)).Decode(&out); err != nil {
		return false
	}
	return out.Valid
}
