// Package telemetry publishes slave group status over MQTT.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/config"
	"bytemomo/ecmaster/internal/logger"
	"bytemomo/ecmaster/internal/master"
)

const (
	connectTimeout    = 5 * time.Second
	publishTimeout    = 2 * time.Second
	disconnectQuiesce = 250 // ms
)

// Status is the JSON document published per group.
type Status struct {
	Group           string `json:"group"`
	Slaves          int    `json:"slaves"`
	PdiLen          int    `json:"pdi_len"`
	ExpectedWkc     uint16 `json:"expected_wkc"`
	LastWkc         uint16 `json:"last_wkc"`
	Cycles          uint64 `json:"cycles"`
	WkcErrors       uint64 `json:"wkc_errors"`
	TransportErrors uint64 `json:"transport_errors"`
	Time            string `json:"time"`
}

// NewStatus converts group counters to the published form.
func NewStatus(st master.Stats, now time.Time) Status {
	return Status{
		Group:           st.Name,
		Slaves:          st.Slaves,
		PdiLen:          st.PdiLen,
		ExpectedWkc:     st.ExpectedWkc,
		LastWkc:         st.LastWkc,
		Cycles:          st.Cycles,
		WkcErrors:       st.WkcErrors,
		TransportErrors: st.TransportErrors,
		Time:            now.UTC().Format(time.RFC3339Nano),
	}
}

// Publisher sends group status to one broker. Publishing never blocks the
// caller for longer than a few seconds and failures are only logged.
type Publisher struct {
	cfg    config.Telemetry
	client pahomqtt.Client
	log    *logrus.Entry
}

// New connects to cfg.Broker.
func New(cfg config.Telemetry, log *logrus.Entry) (*Publisher, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return NewWithClient(cfg, client, log), nil
}

// NewWithClient publishes through an already connected client.
func NewWithClient(cfg config.Telemetry, client pahomqtt.Client, log *logrus.Entry) *Publisher {
	if log == nil {
		log = logger.Discard()
	}
	return &Publisher{
		cfg:    cfg,
		client: client,
		log:    log.WithFields(logrus.Fields{"component": "telemetry", "broker": cfg.Broker}),
	}
}

// Topic is the topic status of group is published on.
func (p *Publisher) Topic(group string) string {
	return p.cfg.Topic + "/" + group
}

// Publish sends one status document.
func (p *Publisher) Publish(st master.Stats) error {
	payload, err := json.Marshal(NewStatus(st, time.Now()))
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(st.Name), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", st.Name)
	}
	return token.Error()
}

// Run publishes the status of every group each interval until ctx is done,
// then disconnects.
func (p *Publisher) Run(ctx context.Context, groups *master.GroupContainer) error {
	defer p.client.Disconnect(disconnectQuiesce)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, g := range groups.All() {
			if err := p.Publish(g.Stats()); err != nil {
				p.log.WithError(err).WithField("group", g.Name()).Warn("Could not publish group status")
			}
		}
	}
}
