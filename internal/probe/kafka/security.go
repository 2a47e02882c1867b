// Package kafka holds the franz-go client wiring shared by the producer and
// consumer streaming pools: translating a model.KafkaSecurityDirective into
// kgo.Opt values, including turning a CredentialBroker-built JAAS config
// string back into an OAuth token source.
package kafka

import (
	"context"
	"crypto/tls"
	"regexp"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
)

var jaasFieldPattern = regexp.MustCompile(`(\w[\w.]*)="([^"]*)"`)

// parseJaas extracts the clientId/clientSecret/oauth.token.endpoint.uri/scope
// fields CredentialBroker wrote into the JAAS config string. It never
// returns the raw config string in an error.
func parseJaas(jaasConfig string) (map[string]string, error) {
	matches := jaasFieldPattern.FindAllStringSubmatch(jaasConfig, -1)
	fields := make(map[string]string, len(matches))
	for _, m := range matches {
		fields[m[1]] = m[2]
	}
	if fields["clientId"] == "" || fields["clientSecret"] == "" || fields["oauth.token.endpoint.uri"] == "" {
		return nil, errs.New(errs.VaultConsumerException, "jaas config missing required oauthbearer fields")
	}
	return fields, nil
}

// SASLMechanism builds the sasl.Mechanism franz-go uses to authenticate,
// from a directive produced by the credential broker.
func SASLMechanism(directive model.KafkaSecurityDirective) (sasl.Mechanism, error) {
	fields, err := parseJaas(directive.JaasConfig)
	if err != nil {
		return nil, err
	}

	cfg := clientcredentials.Config{
		ClientID:     fields["clientId"],
		ClientSecret: fields["clientSecret"],
		TokenURL:     fields["oauth.token.endpoint.uri"],
	}
	if scope := fields["scope"]; scope != "" {
		cfg.Scopes = []string{scope}
	}

	return oauth.Oauth(func(ctx context.Context) (oauth.Auth, error) {
		token, terr := cfg.Token(ctx)
		if terr != nil {
			return oauth.Auth{}, errs.Wrap(errs.VaultConsumerException, "fetch oauth token", terr)
		}
		return oauth.Auth{Token: token.AccessToken}, nil
	}), nil
}

// ClientOpts builds the shared kgo.Opt set for a single-topic streaming
// worker: seed brokers plus, when the directive calls for it, the OAuth
// SASL mechanism.
func ClientOpts(seedBrokers []string, directive model.KafkaSecurityDirective) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(seedBrokers...),
		kgo.ClientID("enterprise-confluent-test-probe"),
	}

	if directive.SecurityProtocol == model.ProtocolSaslSSL {
		mechanism, err := SASLMechanism(directive)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mechanism), kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	return opts, nil
}
