// Package cli implements zenctl, the offline companion to the zen engine
// service: loading history into SQLite and replaying it through the engine.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"zen-engine/config"
	"zen-engine/internal/history"
	"zen-engine/internal/logger"
	"zen-engine/internal/marketdata/replay"
	"zen-engine/internal/marketdata/resample"
	"zen-engine/internal/model"
	redisstore "zen-engine/internal/store/redis"
	sqlitestore "zen-engine/internal/store/sqlite"
	"zen-engine/internal/stream"
	"zen-engine/internal/zen"
)

type rootOptions struct {
	configPath string
	dbPath     string
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "zenctl",
		Short: "zenctl - offline tools for the zen engine",
		Long: `zenctl loads bar history into the engine's SQLite store and replays it
through the stroke/pivot/divergence engine.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newImportCmd(opts))
	rootCmd.AddCommand(newFetchCmd(opts))
	rootCmd.AddCommand(newReplayCmd(opts))
	rootCmd.AddCommand(newSnapshotCmd(opts))

	// Global flags
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite path (overrides config)")

	return rootCmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.SQLitePath = o.dbPath
	}
	return cfg, nil
}

func (o *rootOptions) openStore() (*config.Config, *sqlitestore.Store, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseKeys(raw []string) ([]model.StreamKey, error) {
	keys := make([]model.StreamKey, 0, len(raw))
	for _, s := range raw {
		k, err := model.ParseStreamKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func parseFreqs(raw []string) ([]model.Freq, error) {
	freqs := make([]model.Freq, 0, len(raw))
	for _, s := range raw {
		f, err := model.ParseFreq(s)
		if err != nil {
			return nil, err
		}
		freqs = append(freqs, f)
	}
	return freqs, nil
}

// newImportCmd creates the import command
func newImportCmd(opts *rootOptions) *cobra.Command {
	var (
		streamFlag string
		resampleTo []string
		tz         string
	)
	cmd := &cobra.Command{
		Use:   "import FILE.csv",
		Short: "Load OHLCV bars from a CSV file into SQLite",
		Long: `Load bars for one stream from a CSV file with a header row
(time, open, high, low, close and optionally volume, amount).
Example: zenctl import aapl_5m.csv --stream 5m:AAPL --resample 30m,1d`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := model.ParseStreamKey(streamFlag)
			if err != nil {
				return err
			}
			targets, err := parseFreqs(resampleTo)
			if err != nil {
				return err
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("timezone: %w", err)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			_, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signalContext()
			defer cancel()
			counts, err := importCSV(ctx, store, f, key, targets, loc)
			if err != nil {
				return err
			}
			printCounts(cmd.OutOrStdout(), "imported", counts)
			return nil
		},
	}
	cmd.Flags().StringVar(&streamFlag, "stream", "", "Target stream as freq:symbol (e.g. 5m:AAPL)")
	cmd.Flags().StringSliceVar(&resampleTo, "resample", nil, "Also store the bars resampled to these freqs")
	cmd.Flags().StringVar(&tz, "tz", "UTC", "Timezone for timestamps without an offset")
	cmd.MarkFlagRequired("stream")
	return cmd
}

// newFetchCmd creates the fetch command
func newFetchCmd(opts *rootOptions) *cobra.Command {
	var (
		source     string
		streams    []string
		bars       int
		resampleTo []string
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download history from a broker or public source into SQLite",
		Long: `Fetch recent bars for each stream and store them in SQLite.
Example: zenctl fetch --source yahoo --stream 1d:AAPL --stream 1d:MSFT --bars 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(streams)
			if err != nil {
				return err
			}
			targets, err := parseFreqs(resampleTo)
			if err != nil {
				return err
			}
			cfg, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var fetcher history.Fetcher
			switch source {
			case "yahoo":
				fetcher = history.NewYahooFetcher()
			case "longport":
				lp, err := history.NewLongportFetcher(cfg.Longport.AppKey, cfg.Longport.AppSecret, cfg.Longport.AccessToken)
				if err != nil {
					return err
				}
				defer lp.Close()
				fetcher = lp
			default:
				return fmt.Errorf("unknown source %q (want yahoo or longport)", source)
			}

			ctx, cancel := signalContext()
			defer cancel()
			counts, err := fetchInto(ctx, fetcher, store, keys, bars, targets)
			printCounts(cmd.OutOrStdout(), "fetched", counts)
			if lerr := printStoredThrough(ctx, cmd.OutOrStdout(), store, counts); lerr != nil {
				return errors.Join(err, lerr)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&source, "source", "yahoo", "History source: yahoo | longport")
	cmd.Flags().StringArrayVar(&streams, "stream", nil, "Stream as freq:symbol (repeatable)")
	cmd.Flags().IntVar(&bars, "bars", 1000, "Bars to fetch per stream")
	cmd.Flags().StringSliceVar(&resampleTo, "resample", nil, "Also store the bars resampled to these freqs")
	cmd.MarkFlagRequired("stream")
	return cmd
}

// newReplayCmd creates the replay command
func newReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		streams []string
		since   string
		speed   float64
		limit   int
		publish bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run stored bars through the engine and print the result",
		Long: `Replay bars from SQLite through the engine, oldest first, and print
strokes, pivots and divergences per stream. With --publish the bars are
appended to the Redis bar streams instead, feeding a running zenengine.
Example: zenctl replay --stream 5m:AAPL --since 2024-01-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signalContext()
			defer cancel()

			keys, err := parseKeys(streams)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				if keys, err = store.Streams(ctx); err != nil {
					return err
				}
			}
			var sinceTS time.Time
			if since != "" {
				if sinceTS, err = parseTime(since, time.UTC); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
			}
			rp := replay.New(store)

			if publish {
				w, err := redisstore.New(redisstore.WriterConfig{
					Addr:      cfg.Redis.Addr,
					Password:  cfg.Redis.Password,
					BarPrefix: cfg.Redis.BarStreamPrefix,
				})
				if err != nil {
					return err
				}
				defer w.Close()
				n, err := publishReplay(ctx, rp, w, keys, sinceTS, speed)
				fmt.Fprintln(cmd.OutOrStdout(), renderDone("published %d bars to redis", n))
				return err
			}

			settings, err := cfg.Settings()
			if err != nil {
				return err
			}
			reg, err := stream.NewRegistry(stream.Options{
				Settings:   settings,
				SMAPeriods: cfg.Analysis.SMAPeriods,
				Logger:     logger.Init("zenctl", logger.ParseLevel(cfg.LogLevel)),
			})
			if err != nil {
				return err
			}
			return runReplay(ctx, cmd.OutOrStdout(), rp, reg, keys, sinceTS, speed, limit)
		},
	}
	cmd.Flags().StringArrayVar(&streams, "stream", nil, "Stream as freq:symbol (repeatable; default all stored)")
	cmd.Flags().StringVar(&since, "since", "", "Only replay bars at or after this time")
	cmd.Flags().Float64Var(&speed, "speed", 0, "Playback rate (1 = real time, 0 = as fast as possible)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Strokes to list per stream (0 = all)")
	cmd.Flags().BoolVar(&publish, "publish", false, "Append bars to Redis instead of analysing locally")
	return cmd
}

// newSnapshotCmd creates the snapshot command
func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	var (
		streams []string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show the latest snapshot a running zenengine published to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(streams)
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			r, err := redisstore.NewReader(redisstore.ReaderConfig{
				Addr:      cfg.Redis.Addr,
				Password:  cfg.Redis.Password,
				BarPrefix: cfg.Redis.BarStreamPrefix,
			})
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, cancel := signalContext()
			defer cancel()
			for _, k := range keys {
				snap, err := r.ReadSnapshot(ctx, k)
				if err != nil {
					return fmt.Errorf("%s: %w", k, err)
				}
				if snap == nil {
					fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render(k.String()+": no snapshot published"))
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderSnapshot(*snap, limit))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&streams, "stream", nil, "Stream as freq:symbol (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Strokes to list per stream (0 = all)")
	cmd.MarkFlagRequired("stream")
	return cmd
}

// importCSV parses r and writes the bars, plus any resampled series, to w.
// It returns the number of bars written per stream.
func importCSV(ctx context.Context, w model.BarWriter, r io.Reader, key model.StreamKey, targets []model.Freq, loc *time.Location) (map[model.StreamKey]int, error) {
	bars, err := ParseBarsCSV(r, key, loc)
	if err != nil {
		return nil, err
	}
	return writeWithResample(ctx, w, key, bars, targets)
}

func writeWithResample(ctx context.Context, w model.BarWriter, key model.StreamKey, bars []model.Bar, targets []model.Freq) (map[model.StreamKey]int, error) {
	counts := make(map[model.StreamKey]int)
	if len(bars) == 0 {
		return counts, nil
	}
	if err := w.WriteBars(ctx, bars); err != nil {
		return counts, fmt.Errorf("write %s: %w", key, err)
	}
	counts[key] = len(bars)

	for _, to := range targets {
		if to == key.Freq {
			continue
		}
		if to.Duration() < key.Freq.Duration() {
			return counts, fmt.Errorf("cannot resample %s down to %s", key.Freq, to)
		}
		out := resample.Resample(bars, to)
		if err := w.WriteBars(ctx, out); err != nil {
			return counts, fmt.Errorf("write %s: %w", to, err)
		}
		counts[model.StreamKey{Symbol: key.Symbol, Freq: to}] = len(out)
	}
	return counts, nil
}

// fetchInto pulls limit bars per key from f and stores them. A failing
// stream does not stop the others; the errors are joined.
func fetchInto(ctx context.Context, f history.Fetcher, w model.BarWriter, keys []model.StreamKey, limit int, targets []model.Freq) (map[model.StreamKey]int, error) {
	counts := make(map[model.StreamKey]int)
	var errs []error
	for _, k := range keys {
		bars, err := f.Fetch(ctx, k, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", f.Name(), k, err))
			continue
		}
		n, err := writeWithResample(ctx, w, k, bars, targets)
		for sk, c := range n {
			counts[sk] += c
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return counts, errors.Join(errs...)
}

type replayStats struct {
	bars      int
	rejected  int
	invariant int
}

// runReplay feeds the replayed bars into reg and prints one summary per
// stream once the replay finishes.
func runReplay(ctx context.Context, out io.Writer, rp *replay.Replayer, reg *stream.Registry, keys []model.StreamKey, since time.Time, speed float64, limit int) error {
	barCh := make(chan model.Bar, 1024)
	errCh := make(chan error, 1)
	go func() {
		_, err := rp.Run(ctx, keys, since, speed, barCh)
		close(barCh)
		errCh <- err
	}()

	stats := make(map[model.StreamKey]*replayStats)
	for b := range barCh {
		k := b.Key()
		st := stats[k]
		if st == nil {
			st = &replayStats{}
			stats[k] = st
		}
		c, err := reg.GetOrCreate(k)
		if err != nil {
			return err
		}
		st.bars++
		if _, err := c.Ingest(b); err != nil {
			var inv *zen.InvariantError
			if errors.As(err, &inv) {
				st.invariant++
			} else {
				st.rejected++
			}
		}
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	for _, k := range reg.Keys() {
		c, _ := reg.Get(k)
		fmt.Fprintln(out, renderSnapshot(c.Snapshot(), limit))
		if st := stats[k]; st != nil {
			line := fmt.Sprintf("%d bars", st.bars)
			if st.rejected > 0 || st.invariant > 0 {
				line += fmt.Sprintf(", %d rejected, %d invariant warnings", st.rejected, st.invariant)
			}
			fmt.Fprintln(out, mutedStyle.Render(line))
		}
	}
	return nil
}

// barAppender is the Redis bar stream writer.
type barAppender interface {
	AppendBars(ctx context.Context, bars []model.Bar) error
}

// publishReplay appends replayed bars to the Redis bar streams.
func publishReplay(ctx context.Context, rp *replay.Replayer, w barAppender, keys []model.StreamKey, since time.Time, speed float64) (int, error) {
	barCh := make(chan model.Bar, 1024)
	errCh := make(chan error, 1)
	go func() {
		_, err := rp.Run(ctx, keys, since, speed, barCh)
		close(barCh)
		errCh <- err
	}()

	n := 0
	var writeErr error
	for b := range barCh {
		if writeErr != nil {
			continue
		}
		if err := w.AppendBars(ctx, []model.Bar{b}); err != nil {
			writeErr = err
			continue
		}
		n++
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return n, err
	}
	return n, writeErr
}

func printCounts(out io.Writer, verb string, counts map[model.StreamKey]int) {
	if len(counts) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("nothing "+verb))
		return
	}
	for _, k := range sortedKeys(counts) {
		fmt.Fprintln(out, renderDone("%s %d bars into %s", verb, counts[k], k))
	}
}

// lastStamper reports the newest stored bar time of a stream.
type lastStamper interface {
	LastTimestamp(ctx context.Context, key model.StreamKey) (time.Time, error)
}

// printStoredThrough prints how far each written stream now reaches.
func printStoredThrough(ctx context.Context, out io.Writer, s lastStamper, counts map[model.StreamKey]int) error {
	for _, k := range sortedKeys(counts) {
		ts, err := s.LastTimestamp(ctx, k)
		if err != nil {
			return fmt.Errorf("last stored bar of %s: %w", k, err)
		}
		fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("  %s stored through %s", k, formatTS(ts))))
	}
	return nil
}

func sortedKeys(counts map[model.StreamKey]int) []model.StreamKey {
	keys := make([]model.StreamKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
