// Package main contains a command to benchmark the slab hash map and
// inspect its bucket load distribution.
package main

import (
	"context"
	"encoding/binary"
	"math/rand"
	"os"
	"time"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/slabhash"
)

var logger = golog.NewDevelopmentLogger("slabbench")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,usage=JSON5 config file overriding the other flags"`
	Buckets    int    `flag:"buckets,default=4096,usage=bucket count"`
	Capacity   int    `flag:"capacity,default=262144,usage=max live entries"`
	KeySize    int    `flag:"keysize,default=12,usage=key width in bytes"`
	ValueSize  int    `flag:"valuesize,default=4,usage=value width in bytes"`
	Count      int    `flag:"count,default=200000,usage=entries per round"`
	Rounds     int    `flag:"rounds,default=3,usage=number of insert/find/erase rounds"`
	Hist       bool   `flag:"hist,usage=print a bucket load histogram"`
}

type fileConfig struct {
	Buckets   *int `json:"buckets"`
	Capacity  *int `json:"capacity"`
	KeySize   *int `json:"key_size"`
	ValueSize *int `json:"value_size"`
	Count     *int `json:"count"`
	Rounds    *int `json:"rounds"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.ConfigFile != "" {
		if err := overlayConfig(&argsParsed); err != nil {
			return err
		}
	}
	if argsParsed.KeySize < 8 {
		return errors.Errorf("key size must be at least 8 to hold distinct benchmark keys, got %d", argsParsed.KeySize)
	}

	m, err := slabhash.NewMap(slabhash.Config{
		BucketCount: argsParsed.Buckets,
		Capacity:    argsParsed.Capacity,
		KeySize:     argsParsed.KeySize,
		ValueSize:   argsParsed.ValueSize,
	}, logger)
	if err != nil {
		return err
	}

	var result error
	for round := 0; round < argsParsed.Rounds; round++ {
		if ctx.Err() != nil {
			return multierr.Combine(result, ctx.Err())
		}
		// The final round leaves the map populated so the load report
		// below describes a live distribution.
		erase := round != argsParsed.Rounds-1
		result = multierr.Combine(result, runRound(m, round, argsParsed, erase))
	}

	reportLoad(m, argsParsed.Hist)
	return result
}

func overlayConfig(args *Arguments) error {
	data, err := os.ReadFile(args.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "cannot read config file")
	}
	var fc fileConfig
	if err := json5.Unmarshal(data, &fc); err != nil {
		return errors.Wrap(err, "cannot parse config file")
	}
	for dst, src := range map[*int]*int{
		&args.Buckets:   fc.Buckets,
		&args.Capacity:  fc.Capacity,
		&args.KeySize:   fc.KeySize,
		&args.ValueSize: fc.ValueSize,
		&args.Count:     fc.Count,
		&args.Rounds:    fc.Rounds,
	} {
		if src != nil {
			*dst = *src
		}
	}
	return nil
}

func runRound(m *slabhash.Map, round int, args Arguments, erase bool) error {
	count := args.Count
	if count > m.Capacity() {
		count = m.Capacity()
	}
	keys := make([]byte, count*args.KeySize)
	//nolint:gosec
	rng := rand.New(rand.NewSource(int64(round)))
	rng.Read(keys)
	for i := 0; i < count; i++ {
		// Distinct keys: overwrite the first 8 bytes with the element's
		// round-salted ordinal.
		binary.LittleEndian.PutUint64(keys[i*args.KeySize:], uint64(round)<<40|uint64(i))
	}
	var values []byte
	if args.ValueSize > 0 {
		values = make([]byte, count*args.ValueSize)
		rng.Read(values)
	}

	start := time.Now()
	_, ok, err := m.Insert(keys, values)
	if err != nil {
		return errors.Wrapf(err, "round %d insert", round)
	}
	logOp(round, "insert", count, time.Since(start))
	inserted := 0
	for _, o := range ok {
		if o {
			inserted++
		}
	}
	if inserted != count {
		return errors.Errorf("round %d: only %d of %d distinct keys inserted", round, inserted, count)
	}

	start = time.Now()
	_, found, err := m.Find(keys)
	if err != nil {
		return errors.Wrapf(err, "round %d find", round)
	}
	logOp(round, "find", count, time.Since(start))
	for i, f := range found {
		if !f {
			return errors.Errorf("round %d: inserted key %d not found", round, i)
		}
	}

	if erase {
		start = time.Now()
		_, _, err = m.Erase(keys)
		if err != nil {
			return errors.Wrapf(err, "round %d erase", round)
		}
		logOp(round, "erase", count, time.Since(start))
		if m.Len() != 0 {
			return errors.Errorf("round %d: %d entries left after full erase", round, m.Len())
		}
	}
	return nil
}

func logOp(round int, op string, count int, elapsed time.Duration) {
	perOp := elapsed / time.Duration(count)
	logger.Infow(op, "round", round, "n", count, "elapsed", elapsed, "per_op", perOp)
}

func reportLoad(m *slabhash.Map, printHist bool) {
	counts := m.BucketCounts()
	loads := make([]float64, len(counts))
	for i, c := range counts {
		loads[i] = float64(c)
	}
	mean := stat.Mean(loads, nil)
	stddev := stat.StdDev(loads, nil)
	logger.Infow("bucket load", "buckets", len(counts), "live", m.Len(), "mean", mean, "stddev", stddev)
	if printHist {
		hist := histogram.Hist(16, loads)
		if err := histogram.Fprint(os.Stdout, hist, histogram.Linear(40)); err != nil {
			logger.Errorw("failed to print histogram", "error", err)
		}
	}
}
