package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all zapgate metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	LookupDuration   metric.Float64Histogram
	SendDuration     metric.Float64Histogram
	MessagesSent     metric.Int64Counter
	LookupMisses     metric.Int64Counter
	Reconnects       metric.Int64Counter
	QRDisplays       metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	SessionUp        metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("zapgate.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LookupDuration, err = meter.Float64Histogram("zapgate.lookup.duration",
		metric.WithDescription("Recipient lookup duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SendDuration, err = meter.Float64Histogram("zapgate.send.duration",
		metric.WithDescription("Message send duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("zapgate.messages.sent",
		metric.WithDescription("Messages sent successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.LookupMisses, err = meter.Int64Counter("zapgate.lookup.misses",
		metric.WithDescription("Lookups for numbers not on the network"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("zapgate.connection.reconnects",
		metric.WithDescription("Connection attempts after a transient close"),
	)
	if err != nil {
		return nil, err
	}

	m.QRDisplays, err = meter.Int64Counter("zapgate.connection.qr_displays",
		metric.WithDescription("QR codes rendered for pairing"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("zapgate.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionUp, err = meter.Int64UpDownCounter("zapgate.session.up",
		metric.WithDescription("1 while a session is published, 0 otherwise"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
