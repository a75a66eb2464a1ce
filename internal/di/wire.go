//go:build wireinject
// +build wireinject

package di

import (
	"OmegaBTC/pkg/config"
	"OmegaBTC/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the coordinator.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,

		// Infrastructure clients
		ProvideStore,
		ProvideKafkaProducer,
		ProvidePublisher,
		ProvideArchive,
		ProvideMarketStream,
		ProvideExchange,

		// Use cases
		ProvideTrapQueue,
		ProvideFibonacci,
		ProvidePriceFeed,
		ProvideTrapDetector,
		ProvideExitExecutor,
		ProvideTrapConsumer,
		ProvidePositionReconciler,
		ProvideTelemetry,
		ProvideTelemetrySink,

		// Coordinator
		ProvideApp,
	)
	return nil, nil
}
