// Package topicbus is client-side messaging middleware for topic/subscription
// brokers with at-least-once delivery.
//
// Services publish payloads to named publications and consume them through
// named subscriptions. Every subscription carries a failure policy that decides
// what happens when a handler returns an error.
//
// # Features
//
//   - Named publications and subscriptions loaded from YAML configuration
//   - Body codecs: "default" (raw bytes or JSON) and "zlib" (compressed JSON)
//   - Inline publish retry (3 attempts) and scheduled sends with cancellation
//   - Error strategies: retry, deadLetter and exponentialBackoff
//   - Dead-letter queue tools: peek, process and empty
//   - Health checks of every configured subscription
//   - Graceful shutdown that drains in-flight handlers
//   - Pluggable Logger, MetricsCollector (Prometheus) and NotificationService
//   - Broker adapters: in-memory, SQL via Relica (MySQL, PostgreSQL, SQLite) and RabbitMQ
//
// # Quick Start
//
//	cfg, err := topicbus.LoadConfig("topicbus.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	broker, err := rabbitmq.New(cfg.Connection.ConnectionString)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	bus, err := topicbus.New(*cfg,
//	    topicbus.WithBroker(broker),
//	    topicbus.WithLogger(topicbus.NewZerologLogger(zlog)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := bus.EnsureTopology(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Publish:
//
//	publishOrder, err := bus.Publish("orderCreated")
//	handle, err := publishOrder(ctx, order,
//	    topicbus.WithLabel("order"),
//	    topicbus.WithContentEncoding("zlib"),
//	)
//
// Subscribe:
//
//	subscribe := bus.Subscribe(func(err error) { log.Printf("bus: %v", err) })
//	err = subscribe("billing", func(ctx context.Context, env *topicbus.Envelope) error {
//	    var order Order
//	    if err := env.Bind(&order); err != nil {
//	        return topicbus.WithStrategy(err, topicbus.StrategyDeadLetter)
//	    }
//	    return bill(ctx, order)
//	})
//
// Shut down:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	_ = bus.Stop(ctx)
//
// # Message Flow
//
//  1. PUBLISH
//     Publish(name) → encode body → envelope {contentEncoding, attemptCount: 0}
//     → Sender Registry (one sender per publication) → up to 3 send attempts
//
//  2. DISPATCH
//     Receiver → in-flight +1 → subscriptionName filter → decode → handler
//     → On Success: Complete
//     → On Failure: error strategy
//     → in-flight -1
//
//  3. DLQ
//     Dead-lettered messages → PeekDLQ / ProcessDLQ / EmptyDLQ
//
// # Error Strategies
//
// The strategy is chosen per failure: one attached to the handler error with
// WithStrategy wins over the subscription's configured strategy, which wins
// over retry.
//
//	retry               Abandon; the broker redelivers. With maxDeliveryCount set
//	                    the message is dead-lettered once the count is reached.
//	deadLetter          DeadLetter with reason HandlerFailure.
//	exponentialBackoff  Schedule a clone with attemptCount+1 after 2^attempt units
//	                    of measure, then Complete the original. Dead-letter with
//	                    MaxAttemptsExceeded when attempts run out (default 10).
//
// # Brokers
//
// The Broker interface is implemented under adapters/:
//
//	adapters/memory    in-process, for tests and examples
//	adapters/relica    SQL tables driven by the Relica query builder
//	adapters/rabbitmq  topic exchanges and quorum queues over AMQP 0.9.1
//
// The cmd/topicbus-server binary exposes publishing, DLQ management, health
// and Prometheus metrics over HTTP for any of them.
package topicbus
