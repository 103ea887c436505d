package alert

import (
	"context"
	"sync"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel        `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager fans alerts out to every registered channel and keeps a
// bounded ring of recent alerts for the health report. Delivery is async;
// the order path never waits on a webhook.
type AlertManager struct {
	cfg      config.AlertConfig
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex

	recent []AlertPayload
}

func NewAlertManager(cfg config.AlertConfig, logger core.ILogger) *AlertManager {
	return &AlertManager{
		cfg:      cfg,
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", string(level))

	am.mu.Lock()
	am.recent = append(am.recent, payload)
	cap_ := am.cfg.RecentAlertsCap
	if cap_ <= 0 {
		cap_ = 100
	}
	if len(am.recent) > cap_ {
		am.recent = am.recent[len(am.recent)-cap_:]
	}
	channels := make([]AlertChannel, len(am.channels))
	copy(channels, am.channels)
	am.mu.Unlock()

	for _, ch := range channels {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Recent returns a copy of the retained alert ring, newest last.
func (am *AlertManager) Recent() []AlertPayload {
	am.mu.RLock()
	defer am.mu.RUnlock()

	out := make([]AlertPayload, len(am.recent))
	copy(out, am.recent)
	return out
}
