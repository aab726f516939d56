// solreader-demo runs the whole pipeline in one process: an in-memory
// exclusive-queue broker, a producer goroutine feeding it, an optional rival
// consumer to exercise arbitration, and the reader driven by the runner.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/sarkologist/solace-beam-unboundedSource/common/metrics/exporter"
	"github.com/sarkologist/solace-beam-unboundedSource/pkg/broker"
	"github.com/sarkologist/solace-beam-unboundedSource/pkg/broker/inmemory"
	"github.com/sarkologist/solace-beam-unboundedSource/pkg/reader"
	"github.com/sarkologist/solace-beam-unboundedSource/pkg/runner"
)

const subsystemReader = "reader"

type Config struct {
	Queue string `env:"QUEUE" env-default:"demo.queue"`
	// the message-vpn namespace on the broker
	VPN string `env:"VPN" env-default:"default"`

	AutoAck            bool `env:"AUTO_ACK" env-default:"false"`
	UseSenderTimestamp bool `env:"SENDER_TIMESTAMP" env-default:"false"`
	UseSenderMessageID bool `env:"SENDER_MESSAGE_ID" env-default:"false"`

	// evict whoever holds the active-consumer slot at startup
	ForceActive   bool   `env:"FORCE_ACTIVE" env-default:"true"`
	AdminUsername string `env:"ADMIN_USERNAME" env-default:"admin"`
	AdminPassword string `env:"ADMIN_PASSWORD" env-default:"admin"`
	// bind an idle rival consumer first so arbitration has work to do
	Rival bool `env:"RIVAL" env-default:"true"`

	ReceiveTimeout     string `env:"RECEIVE_TIMEOUT" env-default:"500ms"`
	CheckpointInterval string `env:"CHECKPOINT_INTERVAL" env-default:"2s"`

	// the demo producer
	ProduceCount    int    `env:"PRODUCE_COUNT" env-default:"1000"`
	ProduceInterval string `env:"PRODUCE_INTERVAL" env-default:"5ms"`

	// the process will close after this
	TimeoutDuration string `env:"TIMEOUT" env-default:"30s"`

	MetricsAddr string `env:"METRICS_ADDR" env-default:":2112"`
}

func (c *Config) IsValid() error {
	if c.Queue == "" {
		return errors.New("QUEUE is a mandatory value")
	}
	for _, d := range []string{c.ReceiveTimeout, c.CheckpointInterval, c.ProduceInterval, c.TimeoutDuration} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("duration provided but wrong value %s", err.Error())
		}
	}
	return nil
}

func (c *Config) duration(s string) time.Duration {
	r, _ := time.ParseDuration(s)
	return r
}

func main() {
	logger := logrus.New().WithField("component", subsystemReader)

	c := &Config{}
	if err := cleanenv.ReadEnv(c); err != nil {
		logger.Fatal(err)
	}
	if err := c.IsValid(); err != nil {
		logger.Fatal(err)
	}

	ctx, shutdownEverything := context.WithCancel(context.Background())
	ctx, timeoutCancel := context.WithTimeout(ctx, c.duration(c.TimeoutDuration))
	defer timeoutCancel()

	registry := metrics.NewRegistry()
	go func() {
		if err := exporter.Serve(c.MetricsAddr, subsystemReader, registry); err != nil {
			logger.WithError(err).Error("metrics exporter stopped")
		}
	}()

	b := inmemory.New()

	// the admin REST surface the forced disconnect goes through
	adminListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal(err)
	}
	go http.Serve(adminListener, b.AdminHandler())
	adminEndpoint := "http://" + adminListener.Addr().String()

	if c.Rival {
		rival, err := b.Connect(broker.SessionConfig{VPN: c.VPN, ClientName: "rival-consumer"})
		if err != nil {
			logger.Fatal(err)
		}
		if _, err := rival.BindExclusiveFlow(c.Queue, broker.AckModeClient); err != nil {
			logger.Fatal(err)
		}
		logger.Infof("rival consumer bound to queue [%s]", c.Queue)
	}

	go produce(ctx, b, c, logger)

	conf := reader.Config{
		SessionConfig: broker.SessionConfig{
			Host:       adminListener.Addr().String(),
			VPN:        c.VPN,
			ClientName: "solreader-demo",
		},
		Queue:              c.Queue,
		AutoAck:            c.AutoAck,
		UseSenderTimestamp: c.UseSenderTimestamp,
		UseSenderMessageID: c.UseSenderMessageID,
		ForceActive:        c.ForceActive,
		AdminUsername:      c.AdminUsername,
		AdminPassword:      c.AdminPassword,
		AdminEndpoint:      adminEndpoint,
		ReceiveTimeout:     c.duration(c.ReceiveTimeout),
	}

	mapper := func(m broker.Message) (string, error) { return string(m.Payload()), nil }
	rd := reader.New[string](conf, b, mapper, registry, logger)

	go func() {
		defer shutdownEverything()

		received := 0
		err := runner.Run[string](ctx, rd, runner.Config{
			CheckpointEvery: c.duration(c.CheckpointInterval),
		}, func(record string, ts time.Time) {
			received++
		}, logger)
		if err != nil {
			logger.WithError(err).Error("reader failed")
			return
		}
		logger.Infof("received: %d backlog: %d acked: %d",
			received, rd.BacklogBytes(), len(b.Acked()))
	}()

	go func() {
		shutdownSignal := make(chan os.Signal, 1)
		signal.Notify(shutdownSignal)
		logger.Info("Press CTRL-C or kill the process to stop the reader")
		select {
		case <-shutdownSignal:
			shutdownEverything()
		case <-ctx.Done():
		}
	}()

	<-ctx.Done()
	logger.Info("Exiting, waiting 2s")
	time.Sleep(2 * time.Second)
}

func produce(ctx context.Context, b *inmemory.Broker, c *Config, logger logrus.FieldLogger) {
	interval := c.duration(c.ProduceInterval)
	for i := 0; i < c.ProduceCount; i++ {
		if ctx.Err() != nil {
			return
		}
		body := fmt.Sprintf("%d|payload-%06d", time.Now().UTC().UnixNano(), i)
		msg := inmemory.NewMessage(fmt.Sprintf("msg-%06d", i), []byte(body)).
			WithSequenceNumber(int64(i)).
			WithSenderTimestamp(time.Now())
		b.Publish(c.Queue, msg)
		time.Sleep(interval)
	}
	logger.Infof("produced %d messages on queue [%s]", c.ProduceCount, c.Queue)
}
