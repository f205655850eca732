// Package timeseries reads sleep summaries from and writes journal entries to
// an InfluxDB v1 database.
package timeseries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"go.uber.org/zap"

	"sleep-checkin/internal/checkin"
)

// PriorWindow is how far back the history comparison reaches.
const PriorWindow = 7 * 24 * time.Hour

// api is the slice of the InfluxDB client the store uses. The v1 client takes
// no context; requests are bounded by the HTTP timeout in Options.
type api interface {
	Query(q client.Query) (*client.Response, error)
	Write(bp client.BatchPoints) error
	Ping(timeout time.Duration) (time.Duration, string, error)
	Close() error
}

// Options configures a Store.
type Options struct {
	Addr               string
	Username           string
	Password           string
	Database           string
	SummaryMeasurement string
	JournalMeasurement string
	// SourceTag names the tag that identifies the device or account a
	// summary came from. Empty means records carry no source.
	SourceTag string
	Timeout   time.Duration
}

type Store struct {
	api  api
	opts Options
	log  *zap.Logger
}

// New connects to InfluxDB over HTTP. No request is made until the first call.
func New(opts Options, log *zap.Logger) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("timeseries: new client: %w", err)
	}
	return newWithAPI(c, opts, log), nil
}

func newWithAPI(a api, opts Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{api: a, opts: opts, log: log.Named("timeseries")}
}

func (s *Store) Close() error { return s.api.Close() }

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	timeout := s.opts.Timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if _, _, err := s.api.Ping(timeout); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Summaries returns the summaries whose session time lies in [from, to], oldest first.
func (s *Store) Summaries(ctx context.Context, from, to time.Time) ([]checkin.SleepRecord, error) {
	q := fmt.Sprintf(`SELECT * FROM %s WHERE time >= %s AND time <= %s ORDER BY time ASC`,
		quoteIdent(s.opts.SummaryMeasurement), quoteTime(from), quoteTime(to))
	return s.records(ctx, "summaries", q)
}

// Window returns the summaries from the seven days before rec that share its source.
func (s *Store) Window(ctx context.Context, rec checkin.SleepRecord) ([]checkin.SleepRecord, error) {
	q := fmt.Sprintf(`SELECT * FROM %s WHERE time >= %s AND time < %s ORDER BY time ASC`,
		quoteIdent(s.opts.SummaryMeasurement), quoteTime(rec.Time.Add(-PriorWindow)), quoteTime(rec.Time))
	all, err := s.records(ctx, "window", q)
	if err != nil {
		return nil, err
	}
	// compare like with like when several sources share the measurement
	out := all[:0]
	for _, r := range all {
		if r.Source == rec.Source {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) records(ctx context.Context, op, q string) ([]checkin.SleepRecord, error) {
	rows, err := s.query(ctx, op, q)
	if err != nil {
		return nil, err
	}
	var out []checkin.SleepRecord
	for _, row := range rows {
		timeCol := -1
		for i, c := range row.Columns {
			if c == "time" {
				timeCol = i
			}
		}
		if timeCol < 0 {
			return nil, fmt.Errorf("timeseries: %s: series %q has no time column", op, row.Name)
		}
		for _, vals := range row.Values {
			rec, err := s.parseRow(row.Columns, vals, timeCol)
			if err != nil {
				s.log.Warn("skipping unparseable summary row", zap.String("op", op), zap.Error(err))
				continue
			}
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Store) parseRow(cols []string, vals []interface{}, timeCol int) (checkin.SleepRecord, error) {
	if len(vals) != len(cols) {
		return checkin.SleepRecord{}, fmt.Errorf("row has %d values for %d columns", len(vals), len(cols))
	}
	t, err := parseTime(vals[timeCol])
	if err != nil {
		return checkin.SleepRecord{}, err
	}
	rec := checkin.SleepRecord{Time: t, IngestedAt: t, Metrics: map[string]float64{}}
	for i, c := range cols {
		if i == timeCol || vals[i] == nil {
			continue
		}
		if s.opts.SourceTag != "" && c == s.opts.SourceTag {
			rec.Source = fmt.Sprint(vals[i])
			continue
		}
		if f, ok := toFloat(vals[i]); ok {
			rec.Metrics[c] = f
		}
	}
	rec.Key = checkin.RecordKey(rec.Time, rec.Source)
	return rec, nil
}

// JournalKeys returns the record keys that already have a journal point.
func (s *Store) JournalKeys(ctx context.Context) (map[string]bool, error) {
	q := fmt.Sprintf(`SHOW TAG VALUES FROM %s WITH KEY = "record_key"`, quoteIdent(s.opts.JournalMeasurement))
	rows, err := s.query(ctx, "journal keys", q)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, row := range rows {
		valueCol := -1
		for i, c := range row.Columns {
			if c == "value" {
				valueCol = i
			}
		}
		if valueCol < 0 {
			continue
		}
		for _, vals := range row.Values {
			if v, ok := vals[valueCol].(string); ok && v != "" {
				out[v] = true
			}
		}
	}
	return out, nil
}

// WriteJournal writes one journal point, timestamped with the answer time.
func (s *Store) WriteJournal(ctx context.Context, e checkin.JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: s.opts.Database, Precision: "ns"})
	if err != nil {
		return fmt.Errorf("timeseries: batch: %w", err)
	}
	tags := map[string]string{
		"record_key": e.RecordKey,
		"chat_id":    e.ThreadID,
		"check_in":   e.SourceCheckIn,
	}
	if e.FromID != "" {
		tags["from_id"] = e.FromID
	}
	fields := map[string]interface{}{
		"text":          e.AnswerText,
		"msg_type":      e.MessageKind,
		"from_username": e.FromUsername,
		"from_name":     e.FromName,
	}
	if e.SourceMessageID != 0 {
		fields["update_id"] = e.SourceMessageID
	}
	pt, err := client.NewPoint(s.opts.JournalMeasurement, tags, fields, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("timeseries: point: %w", err)
	}
	bp.AddPoint(pt)
	if err := s.api.Write(bp); err != nil {
		return classify("write journal", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, op, q string) ([]rowSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.api.Query(client.NewQuery(q, s.opts.Database, ""))
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, classify(op, err)
	}
	if resp == nil {
		return nil, checkin.Transient("timeseries: "+op, errors.New("empty response"))
	}
	if err := resp.Error(); err != nil {
		return nil, classify(op, err)
	}
	var out []rowSeries
	for _, r := range resp.Results {
		for _, row := range r.Series {
			out = append(out, rowSeries{Name: row.Name, Columns: row.Columns, Values: row.Values})
		}
	}
	return out, nil
}

type rowSeries struct {
	Name    string
	Columns []string
	Values  [][]interface{}
}

// classify maps rejected credentials to AuthError and everything else to
// TransientIOError.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "authorization failed") ||
		strings.Contains(msg, "unable to parse authentication credentials") ||
		strings.Contains(msg, "status code 401") ||
		strings.Contains(msg, "status code 403") {
		return checkin.Auth("timeseries: "+op, err)
	}
	return checkin.Transient("timeseries: "+op, err)
}

func parseTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", t, err)
		}
		return parsed.UTC(), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", t, err)
		}
		return time.Unix(0, n).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unexpected time value %T", v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func quoteTime(t time.Time) string {
	return "'" + t.UTC().Format(time.RFC3339Nano) + "'"
}
