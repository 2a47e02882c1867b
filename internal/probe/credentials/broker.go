package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// VaultAdapter fetches the opaque JSON credential document for a given
// client principal. Implementations talk to an actual vault in production
// and a fixture map in tests.
type VaultAdapter interface {
	FetchCredential(ctx context.Context, clientPrincipal string) ([]byte, error)
}

const oauthLoginModule = "org.apache.kafka.common.security.oauthbearer.OAuthBearerLoginModule"

// Broker is the CredentialBroker of spec.md §4.5: it turns a
// model.TopicDirective into a model.KafkaSecurityDirective by fetching a
// vault credential document and applying the configured field mapping.
type Broker struct {
	vault   VaultAdapter
	mapping *Mapping
}

// NewBroker constructs a Broker from a vault adapter and a compiled mapping.
func NewBroker(vault VaultAdapter, mapping *Mapping) *Broker {
	return &Broker{vault: vault, mapping: mapping}
}

// Resolve builds the KafkaSecurityDirective for one TopicDirective. A
// plaintext directive (no ClientPrincipal configured) skips vault entirely
// and returns an unauthenticated directive; anything else is treated as
// SASL_SSL and requires clientId/clientSecret/tokenEndpoint to resolve.
func (b *Broker) Resolve(ctx context.Context, directive model.TopicDirective) (model.KafkaSecurityDirective, error) {
	if directive.ClientPrincipal == "" {
		return model.KafkaSecurityDirective{
			Topic:            directive.Topic,
			Role:             directive.Role,
			SecurityProtocol: model.ProtocolPlaintext,
		}, nil
	}

	logging.Audit(logging.AuditEvent{
		Action: "vault_fetch",
		Target: directive.Topic,
	})

	raw, err := b.vault.FetchCredential(ctx, directive.ClientPrincipal)
	if err != nil {
		logging.Audit(logging.AuditEvent{
			Action:  "vault_fetch",
			Target:  directive.Topic,
			Outcome: "failure",
			Error:   "vault fetch failed",
		})
		return model.KafkaSecurityDirective{}, errs.Wrap(errs.VaultConsumerException, "fetch credential", err)
	}

	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return model.KafkaSecurityDirective{}, errs.Wrap(errs.VaultConsumerException, "parse vault response", err)
	}

	fields, err := b.mapping.Extract(parsed)
	if err != nil {
		return model.KafkaSecurityDirective{}, err
	}

	clientID, ok := fields["clientId"]
	if !ok {
		return model.KafkaSecurityDirective{}, errs.New(errs.VaultConsumerException, "mapping did not produce clientId")
	}
	clientSecret, ok := fields["clientSecret"]
	if !ok {
		return model.KafkaSecurityDirective{}, errs.New(errs.VaultConsumerException, "mapping did not produce clientSecret")
	}
	tokenEndpoint, ok := fields["tokenEndpoint"]
	if !ok {
		return model.KafkaSecurityDirective{}, errs.New(errs.VaultConsumerException, "mapping did not produce tokenEndpoint")
	}

	jaas := buildJaasConfig(clientID, clientSecret, tokenEndpoint, fields["scope"])

	logging.Audit(logging.AuditEvent{
		Action:  "vault_fetch",
		Target:  directive.Topic,
		Outcome: "success",
	})

	return model.KafkaSecurityDirective{
		Topic:            directive.Topic,
		Role:             directive.Role,
		SecurityProtocol: model.ProtocolSaslSSL,
		JaasConfig:       jaas,
	}, nil
}

func buildJaasConfig(clientID, clientSecret, tokenEndpoint, scope string) string {
	jaas := fmt.Sprintf(
		"%s required clientId=%q clientSecret=%q oauth.token.endpoint.uri=%q",
		oauthLoginModule, clientID, clientSecret, tokenEndpoint,
	)
	if scope != "" {
		jaas += fmt.Sprintf(" scope=%q", scope)
	}
	return jaas + ";"
}
