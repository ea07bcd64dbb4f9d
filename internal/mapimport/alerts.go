package mapimport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
)

// Zone membership changes.
const (
	ChangeGained       = "gained"
	ChangeLost         = "lost"
	ChangeRedesignated = "redesignated"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// ZoneAlert tells one business that its zone membership changed.
type ZoneAlert struct {
	BusinessID     uuid.UUID  `json:"business_id"`
	BusinessName   string     `json:"business_name"`
	ImportID       uuid.UUID  `json:"import_id"`
	GeoID          string     `json:"geo_id"`
	RegionName     string     `json:"region_name"`
	Change         string     `json:"change"`
	Severity       string     `json:"severity"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AlertSink delivers alerts downstream.
type AlertSink interface {
	Send(ctx context.Context, a ZoneAlert) error
}

func alertText(a ZoneAlert) (title, message string) {
	region := a.GeoID
	if a.RegionName != "" {
		region = fmt.Sprintf("%s (%s)", a.RegionName, a.GeoID)
	}
	switch a.Change {
	case ChangeGained:
		return "Now inside a HUBZone",
			fmt.Sprintf("The principal office of %s is now inside designated area %s.", a.BusinessName, region)
	case ChangeLost:
		return "No longer inside a HUBZone",
			fmt.Sprintf("The principal office of %s is no longer inside any designated area; %s was dropped.", a.BusinessName, region)
	default:
		msg := fmt.Sprintf("Area %s containing the principal office of %s was redesignated.", region, a.BusinessName)
		if a.GracePeriodEnd != nil {
			msg += fmt.Sprintf(" Eligibility continues until %s.", a.GracePeriodEnd.Format("2006-01-02"))
		}
		return "HUBZone redesignated", msg
	}
}

// DBAlertSink stores alerts in hubzone.alerts.
type DBAlertSink struct {
	db *gorm.DB
}

func NewDBAlertSink(db *gorm.DB) *DBAlertSink {
	return &DBAlertSink{db: db}
}

func (s *DBAlertSink) Send(ctx context.Context, a ZoneAlert) error {
	details, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	row := Alert{
		BusinessID: a.BusinessID,
		Severity:   a.Severity,
		Title:      a.Title,
		Message:    a.Message,
		Details:    datatypes.JSON(details),
		CreatedAt:  a.CreatedAt,
	}
	return dbError("insert alert", s.db.WithContext(ctx).Create(&row).Error)
}

// Publisher is the JetStream surface the NATS sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSAlertSink publishes alerts as JSON to a JetStream subject.
type NATSAlertSink struct {
	nc      *nats.Conn
	js      Publisher
	subject string
}

// NewNATSAlertSink connects to url. The subject must be bound to a stream.
func NewNATSAlertSink(url, subject string) (*NATSAlertSink, error) {
	opts := []nats.Option{
		nats.Name("hz-map-import"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &NATSAlertSink{nc: nc, js: js, subject: subject}, nil
}

// NewPublisherAlertSink builds a sink over an existing publisher.
func NewPublisherAlertSink(js Publisher, subject string) *NATSAlertSink {
	return &NATSAlertSink{js: js, subject: subject}
}

func (s *NATSAlertSink) Send(ctx context.Context, a ZoneAlert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	// Deduplicate redeliveries of the same alert inside the stream window.
	msgID := fmt.Sprintf("%s:%s:%s", a.ImportID, a.BusinessID, a.GeoID)
	if _, err := s.js.Publish(ctx, s.subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (s *NATSAlertSink) Close() {
	if s.nc == nil {
		return
	}
	s.nc.Close()
}

// LogAlertSink writes alerts to the log only.
type LogAlertSink struct{}

func (LogAlertSink) Send(ctx context.Context, a ZoneAlert) error {
	logger.InfoCtx(ctx, "zone change alert",
		zap.String("business_id", a.BusinessID.String()),
		zap.String("geo_id", a.GeoID),
		zap.String("change", a.Change),
		zap.String("severity", a.Severity),
	)
	return nil
}
