// Package influxsink exports bench measurements to InfluxDB.
package influxsink

import (
	"context"
	"crypto/tls"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	influx "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gotmc/benchlab/lib/cfg"
	"github.com/gotmc/benchlab/lib/psu"
	"github.com/gotmc/benchlab/lib/specan"
)

var (
	ErrBlankOrgOrBucket = errors.New("influx organization or bucket cannot be blank")
	ErrInvalidOrg       = errors.New("invalid influx organization")
)

// Measurement names.
const (
	DatalogMeasurement     = "datalog"
	TraceMeasurement       = "trace"
	TemperatureMeasurement = "temperature"
)

// Sink writes points asynchronously. Write errors are logged. Points
// written after Close are dropped.
type Sink struct {
	client    influx.Client
	write     api.WriteAPI
	org       string
	bucket    string
	log       zerolog.Logger
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Sink) { s.log = l } }

// New connects to the InfluxDB server c names.
func New(c cfg.Influx, opts ...Option) (*Sink, error) {
	if c.Org == "" || c.Bucket == "" {
		return nil, ErrBlankOrgOrBucket
	}
	client := influx.NewClientWithOptions(c.URL, c.APIToken,
		influx.DefaultOptions().SetTLSConfig(&tls.Config{InsecureSkipVerify: c.SkipTLS}))
	return newSink(client, c.Org, c.Bucket, opts...), nil
}

func newSink(client influx.Client, org, bucket string, opts ...Option) *Sink {
	s := &Sink{
		client: client,
		write:  client.WriteAPI(org, bucket),
		org:    org,
		bucket: bucket,
		log:    log.Logger,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.logErrors(s.write.Errors())
	return s
}

func (s *Sink) logErrors(errs <-chan error) {
	for {
		select {
		case err := <-errs:
			s.log.Error().Err(err).Str("bucket", s.bucket).Msg("influx write")
		case <-s.done:
			return
		}
	}
}

// EnsureBucket checks the organization exists and creates the bucket if it
// does not.
func (s *Sink) EnsureBucket(ctx context.Context) error {
	org, err := s.client.OrganizationsAPI().FindOrganizationByName(ctx, s.org)
	if err != nil {
		return errors.Wrap(ErrInvalidOrg, err.Error())
	}
	bucketAPI := s.client.BucketsAPI()
	buckets, err := bucketAPI.FindBucketsByOrgName(ctx, s.org)
	if err != nil {
		return errors.Wrap(ErrInvalidOrg, err.Error())
	}
	for _, b := range *buckets {
		if b.Name == s.bucket {
			return nil
		}
	}
	s.log.Info().Str("bucket", s.bucket).Msg("creating bucket")
	_, err = bucketAPI.CreateBucketWithName(ctx, org, s.bucket, domain.RetentionRule{EverySeconds: 0})
	return err
}

// WriteDatalog writes a power supply datalog whose first sample was taken at
// start.
func (s *Sink) WriteDatalog(dl *psu.Datalog, start time.Time, tags map[string]string) {
	s.writePoints(DatalogPoints(dl, start, tags))
}

// WriteTrace writes a spectrum analyzer trace taken at at.
func (s *Sink) WriteTrace(tr *specan.Trace, at time.Time, tags map[string]string) {
	s.writePoints(TracePoints(tr, at, tags))
}

// WriteTemperature writes one chamber temperature reading.
func (s *Sink) WriteTemperature(celsius float64, at time.Time, tags map[string]string) {
	s.writePoints([]*write.Point{TemperaturePoint(celsius, at, tags)})
}

func (s *Sink) writePoints(ps []*write.Point) {
	if s.closed.Load() {
		s.log.Warn().Int("points", len(ps)).Msg("sink closed, dropping points")
		return
	}
	for _, p := range ps {
		s.write.WritePoint(p)
	}
	s.log.Debug().Int("points", len(ps)).Msg("queued points")
}

// Close flushes pending points and closes the client. Later calls do
// nothing.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.write.Flush()
		close(s.done)
		s.client.Close()
	})
	return nil
}

// DatalogPoints returns one point per datalog sample with volts and amps
// fields. Instrument errors reported with the datalog become points of
// their own with code and message fields.
func DatalogPoints(dl *psu.Datalog, start time.Time, tags map[string]string) []*write.Point {
	ps := make([]*write.Point, 0, dl.Len()+len(dl.Errors))
	for i := 0; i < dl.Len(); i++ {
		t, v, c := dl.Sample(i)
		ps = append(ps, influx.NewPoint(DatalogMeasurement, tags,
			map[string]interface{}{"volts": v, "amps": c},
			start.Add(t)))
	}
	// Errors are spaced a nanosecond apart so none overwrites another.
	for i, e := range dl.Errors {
		ps = append(ps, influx.NewPoint(DatalogMeasurement+"_errors", tags,
			map[string]interface{}{"code": e.Code, "message": e.Message},
			start.Add(time.Duration(i))))
	}
	return ps
}

// TracePoints returns one point per trace frequency, tagged with the
// frequency in Hz.
func TracePoints(tr *specan.Trace, at time.Time, tags map[string]string) []*write.Point {
	ps := make([]*write.Point, tr.Len())
	for i, m := range tr.Magnitudes {
		pt := map[string]string{"freq": strconv.FormatFloat(tr.Freqs[i], 'f', -1, 64)}
		for k, v := range tags {
			pt[k] = v
		}
		ps[i] = influx.NewPoint(TraceMeasurement, pt, map[string]interface{}{"magnitude": m}, at)
	}
	return ps
}

// TemperaturePoint returns a chamber temperature point.
func TemperaturePoint(celsius float64, at time.Time, tags map[string]string) *write.Point {
	return influx.NewPoint(TemperatureMeasurement, tags, map[string]interface{}{"celsius": celsius}, at)
}
