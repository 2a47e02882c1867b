// Package lifecycle boots the probe process: it is this repo's analog of
// muster's internal/app bootstrap sequence (load configuration, initialize
// logging, wire every collaborator, start the scheduler), but rooting a
// Scheduler instead of muster's Orchestrator.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/api"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/bdd"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/bdd/steps"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/credentials"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/features"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/fsm"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/httpapi"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/kafka/consumer"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/kafka/producer"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/metrics"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/schemaregistry"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/scheduler"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probeconfig"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// Supervisor roots the process's object graph: config, storage, vault,
// schema registry, scheduler, and the HTTP façade.
type Supervisor struct {
	Config    probeconfig.Config
	Scheduler *scheduler.Scheduler
	API       *api.API
	Server    *httpapi.Server
}

// Boot loads configFile, validates it, and wires every SPEC_FULL.md
// component together. Any error returned here is FatalBooting-class: the
// caller (cmd/probe's main) is expected to log it and exit nonzero, matching
// spec.md §6/§7's "missing required configuration -> fatal boot error".
func Boot(configFile string, debug bool) (*Supervisor, error) {
	logLevel := logging.LevelInfo
	if debug {
		logLevel = logging.LevelDebug
	}
	var out io.Writer = os.Stdout
	logging.InitForCLI(logLevel, out)

	cfg, err := probeconfig.Load(configFile)
	if err != nil {
		logging.Error("lifecycle", err, "configuration failed to load from %s", configFile)
		return nil, errs.Wrap(errs.FatalBooting, fmt.Sprintf("load configuration from %s", configFile), err)
	}

	mapping, err := loadMapping(cfg.MappingFilePath)
	if err != nil {
		return nil, errs.Wrap(errs.FatalBooting, "load credentials mapping file", err)
	}

	srClient := schemaregistry.NewClient(cfg.SchemaRegistry.URL, nil)
	schemaregistry.Init(srClient)

	storage := newHTTPBlockStorage(cfg.Storage)
	loader := features.New(storage)

	vault := newHTTPVaultAdapter(cfg.Vault)
	broker := credentials.NewBroker(vault, mapping)

	directory := registry.New()

	poisonPillWait := time.Duration(cfg.Execution.PoisonPillMs) * time.Millisecond

	deps := fsm.Dependencies{
		Loader:         loader,
		Broker:         broker,
		Directory:      directory,
		StartProducer:  producerStarter(cfg, srClient),
		StartConsumer:  consumerStarter(cfg, srClient),
		RunBDD:         bddRunner(directory),
		PoisonPillWait: poisonPillWait,
		CleanupWait:    poisonPillWait,
	}

	m := metrics.New()
	sched := scheduler.NewWithCapacity(deps, m, cfg.Queue.Capacity)
	a := api.New(sched, directory)
	server := httpapi.NewServer(a)

	logging.Info("lifecycle", "boot complete: schema registry=%s, kafka brokers=%d, storage bucket=%s",
		cfg.SchemaRegistry.URL, len(cfg.Kafka.BootstrapServers), cfg.Storage.Bucket)

	return &Supervisor{Config: cfg, Scheduler: sched, API: a, Server: server}, nil
}

func loadMapping(path string) (*credentials.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file %s: %w", path, err)
	}
	mapping, err := credentials.ParseMapping(data)
	if err != nil {
		return nil, fmt.Errorf("parse mapping file %s: %w", path, err)
	}
	return mapping, nil
}

func producerStarter(cfg probeconfig.Config, srClient *schemaregistry.Client) fsm.ProducerStarter {
	return func(testId model.TestId, directive model.KafkaSecurityDirective) (fsm.ProducerChild, error) {
		return producer.Start(cfg.Kafka.BootstrapServers, testId, directive, srClient)
	}
}

func consumerStarter(cfg probeconfig.Config, srClient *schemaregistry.Client) fsm.ConsumerStarter {
	return func(testId model.TestId, directive model.KafkaSecurityDirective, filters []model.EventFilter) (fsm.ConsumerChild, error) {
		groupID := fmt.Sprintf("probe-%s-%s", testId, directive.Topic)
		return consumer.Start(cfg.Kafka.BootstrapServers, groupID, testId, directive, filters, srClient)
	}
}

// bddRunner adapts bdd.Runner to fsm.BDDRunFunc: tree arrives as interface{}
// because the fsm package doesn't import testing/fstest (see fsm.BDDRunFunc's
// own doc comment), so it's type-asserted back to fs.FS here. A fresh
// steps.Context/bdd.Runner pair is built per call since each is bound to one
// testId's directory lookups.
func bddRunner(directory *registry.Directory) fsm.BDDRunFunc {
	return func(ctx context.Context, testId model.TestId, tree interface{}) (model.TestExecutionResult, error) {
		fsys, ok := tree.(fs.FS)
		if !ok {
			return model.TestExecutionResult{}, errs.New(errs.CucumberException, "feature tree is not a filesystem")
		}
		stepCtx := steps.NewContext(testId, directory)
		runner := bdd.NewRunner(stepCtx.Register)
		return runner.StartTest(ctx, testId, fsys)
	}
}
