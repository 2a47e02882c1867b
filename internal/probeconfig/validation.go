package probeconfig

// Validate checks cfg against spec.md §6's required-key list, collecting
// every problem rather than stopping at the first (internal/config's own
// ValidationErrors idiom). A missing required field here is what the
// lifecycle supervisor turns into a FatalBooting boot failure.
func Validate(cfg Config) *ConfigurationErrors {
	errs := &ConfigurationErrors{}

	if cfg.SchemaRegistry.URL == "" {
		errs.Add("schemaRegistry.url", "validate", "required")
	}
	validateVault(cfg.Vault, errs)
	if cfg.Queue.Capacity < 0 {
		errs.Add("queue.capacity", "validate", "must be >= 0 (0 means unbounded)")
	}
	if cfg.Execution.PoisonPillMs <= 0 {
		errs.Add("execution.poisonPillMs", "validate", "required, must be > 0")
	}
	if len(cfg.Kafka.BootstrapServers) == 0 {
		errs.Add("kafka.bootstrapServers", "validate", "required, at least one broker")
	}
	if cfg.Storage.Bucket == "" {
		errs.Add("storage.bucket", "validate", "required")
	}
	if cfg.Storage.Region == "" && cfg.Storage.Endpoint == "" {
		errs.Add("storage.region|storage.endpoint", "validate", "one of region or endpoint is required")
	}
	if cfg.IO.BlockingPoolSize <= 0 {
		errs.Add("io.blockingPoolSize", "validate", "must be > 0")
	}

	return errs
}

func validateVault(v VaultConfig, errs *ConfigurationErrors) {
	if v.Endpoint == "" {
		errs.Add("vault.endpoint", "validate", "required")
	}
	switch v.Auth {
	case VaultAuthIAMRole, VaultAuthManagedIdentity, VaultAuthServiceAccount:
		// Ambient-credential modes: no further static config required. The
		// vault adapter resolves no token for them; its requests fail at call
		// time.
	case VaultAuthStatic:
		if v.StaticToken == "" && v.StaticTokenEnv == "" {
			errs.Add("vault.staticToken|vault.staticTokenEnv", "validate", "static auth requires one of the two")
		}
	case "":
		errs.Add("vault.auth", "validate", "required: one of iam-role, managed-identity, service-account, static")
	default:
		errs.Add("vault.auth", "validate", "unrecognized auth mode: "+string(v.Auth))
	}
}
