package lifecycle

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probeconfig"
)

// httpVaultAdapter implements credentials.VaultAdapter with a single
// authenticated HTTP POST per topic directive (spec.md §6: "one POST per
// topic directive; body structure is platform-specific"). No vault SDK in
// the pack has usable source to ground a richer client on — see DESIGN.md —
// so this talks to the configured endpoint directly, the same way
// credentials.Broker already treats VaultAdapter as a minimal interface
// rather than a wrapped SDK client.
type httpVaultAdapter struct {
	client   *http.Client
	endpoint string
	token    func(ctx context.Context) (string, error)
}

func newHTTPVaultAdapter(cfg probeconfig.VaultConfig) *httpVaultAdapter {
	return &httpVaultAdapter{
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: cfg.Endpoint,
		token:    tokenResolver(cfg),
	}
}

// tokenResolver returns the function used to attach a bearer token to each
// vault request, chosen by the configured auth mode. Only static auth yields
// a token. The ambient-credential modes (iam-role, managed-identity,
// service-account) are not resolved: their resolver always fails with
// VaultConsumerException, so every FetchCredential call under them fails.
// No cloud SDK credential chain is implemented here.
func tokenResolver(cfg probeconfig.VaultConfig) func(ctx context.Context) (string, error) {
	switch cfg.Auth {
	case probeconfig.VaultAuthStatic:
		token := cfg.StaticToken
		return func(ctx context.Context) (string, error) { return token, nil }
	default:
		return func(ctx context.Context) (string, error) {
			return "", errs.New(errs.VaultConsumerException, "ambient vault auth mode not available in this environment")
		}
	}
}

// FetchCredential POSTs clientPrincipal to the vault endpoint and returns the
// raw JSON response body for credentials.Mapping.Extract to parse.
func (a *httpVaultAdapter) FetchCredential(ctx context.Context, clientPrincipal string) ([]byte, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint,
		bytes.NewBufferString(`{"clientPrincipal":"`+clientPrincipal+`"}`))
	if err != nil {
		return nil, errs.Wrap(errs.VaultConsumerException, "build vault request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.VaultConsumerException, "vault request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.VaultConsumerException, "read vault response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, errs.New(errs.VaultConsumerException, "vault returned non-2xx status")
	}
	return body, nil
}
