// Package observer polls the strategy-signal and broker-callback
// directories on disk and turns new lines into typed events. A
// fixed-interval stat-based poll is deliberate: the watched files live on
// a share written by external tooling where inotify events are unreliable,
// and per-source line checkpoints already make each pass cheap and
// restart-safe.
package observer

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/elsonly/bunny-order/internal/cache"
	"github.com/elsonly/bunny-order/internal/checkpoint"
	"github.com/elsonly/bunny-order/internal/idgen"
	"github.com/elsonly/bunny-order/internal/models"
)

const positionCallbackTruncateLines = 2000

// Paths configures the directories and filenames the Observer polls.
type Paths struct {
	BasePath       string
	SignalsDir     string // "<base>/<dir>/<YYYYMMDD>_<strategy>.log"
	CallbackDir    string // "<base>/<dir>/{OrderFile,TradeFile,PositionFile}"
	OrderFile      string
	TradeFile      string
	PositionFile   string
	CheckpointsDir string
}

func (p Paths) signalsPath() string  { return filepath.Join(p.BasePath, p.SignalsDir) }
func (p Paths) callbackPath() string { return filepath.Join(p.BasePath, p.CallbackDir) }

// Observer polls the signal and callback directories for new lines and
// emits them as typed events onto its output channel.
type Observer struct {
	paths            Paths
	strategies       *cache.Strategies
	ids              *idgen.Allocator
	unmappedSentinel int
	pollInterval     time.Duration
	logger           *log.Logger

	mu                  sync.Mutex
	signalCheckpoints   map[string]int
	callbackCheckpoints map[string]int
	positionsSeen       bool

	signalCheckpointPath   string
	callbackCheckpointPath string
}

// New creates an Observer and loads its persisted checkpoints, if any.
func New(paths Paths, strategies *cache.Strategies, ids *idgen.Allocator, unmappedSentinel int, pollInterval time.Duration, logger *log.Logger) (*Observer, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	o := &Observer{
		paths:                  paths,
		strategies:             strategies,
		ids:                    ids,
		unmappedSentinel:       unmappedSentinel,
		pollInterval:           pollInterval,
		logger:                 logger,
		signalCheckpoints:      make(map[string]int),
		callbackCheckpoints:    make(map[string]int),
		signalCheckpointPath:   filepath.Join(paths.CheckpointsDir, paths.SignalsDir+".json"),
		callbackCheckpointPath: filepath.Join(paths.CheckpointsDir, paths.CallbackDir+".json"),
	}
	if err := checkpoint.Load(o.signalCheckpointPath, &o.signalCheckpoints); err != nil {
		return nil, err
	}
	if err := checkpoint.Load(o.callbackCheckpointPath, &o.callbackCheckpoints); err != nil {
		return nil, err
	}
	if n, ok := o.callbackCheckpoints["positions"]; ok && n > 0 {
		o.positionsSeen = true
	}
	for _, dir := range []string{o.paths.signalsPath(), o.paths.callbackPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("observer: mkdir %s: %w", dir, err)
		}
	}
	return o, nil
}

// Run polls both directories on pollInterval until ctx is cancelled,
// pushing events onto out. Parse failures are logged and the line is
// skipped; the checkpoint still advances past it.
func (o *Observer) Run(ctx context.Context, out chan<- models.Event) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollSignals(out)
			o.pollCallbacks(out)
		}
	}
}

func (o *Observer) pollSignals(out chan<- models.Event) {
	entries, err := os.ReadDir(o.paths.signalsPath())
	if err != nil {
		o.logger.Printf("ERROR observer: read signals dir: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, strategyName, ok := parseSignalFileName(entry.Name())
		if !ok {
			continue
		}
		if o.strategies.GetIDByName(strategyName) == 0 {
			continue
		}
		lines, err := readLines(filepath.Join(o.paths.signalsPath(), entry.Name()))
		if err != nil {
			o.logger.Printf("ERROR observer: read signal file %s: %v", entry.Name(), err)
			continue
		}
		o.mu.Lock()
		ckpt := o.signalCheckpoints[entry.Name()]
		o.mu.Unlock()
		if len(lines) <= ckpt {
			continue
		}
		for _, line := range lines[ckpt:] {
			signal, err := parseSignalLine(date, line)
			if err != nil {
				o.logger.Printf("WARN observer: skip signal line in %s: %v", entry.Name(), err)
				continue
			}
			signal.ID = o.ids.SignalID()
			signal.StrategyID = o.strategies.GetIDByName(strategyName)
			out <- models.Event{Kind: models.EventSignal, Signal: signal}
		}
		o.mu.Lock()
		o.signalCheckpoints[entry.Name()] = len(lines)
		o.mu.Unlock()
		o.persistSignalCheckpoints()
	}
}

func (o *Observer) pollCallbacks(out chan<- models.Event) {
	o.pollOrderCallbacks(out)
	o.pollTradeCallbacks(out)
	o.pollPositionCallbacks(out)
}

func (o *Observer) pollOrderCallbacks(out chan<- models.Event) {
	path := filepath.Join(o.paths.callbackPath(), o.paths.OrderFile)
	lines, err := readLines(path)
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Printf("ERROR observer: read order callback file: %v", err)
		}
		return
	}
	o.mu.Lock()
	ckpt := o.callbackCheckpoints["orders"]
	o.mu.Unlock()
	if len(lines) <= ckpt {
		return
	}
	for _, line := range lines[ckpt:] {
		order, err := parseOrderRow(strings.Split(line, ","), o.unmappedSentinel)
		if err != nil {
			o.logger.Printf("WARN observer: skip order row: %v", err)
			continue
		}
		out <- models.Event{Kind: models.EventOrderCallback, Order: order}
	}
	o.mu.Lock()
	o.callbackCheckpoints["orders"] = len(lines)
	o.mu.Unlock()
	o.persistCallbackCheckpoints()
}

func (o *Observer) pollTradeCallbacks(out chan<- models.Event) {
	path := filepath.Join(o.paths.callbackPath(), o.paths.TradeFile)
	lines, err := readLines(path)
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Printf("ERROR observer: read trade callback file: %v", err)
		}
		return
	}
	o.mu.Lock()
	ckpt := o.callbackCheckpoints["trades"]
	o.mu.Unlock()
	if len(lines) <= ckpt {
		return
	}
	for _, line := range lines[ckpt:] {
		trade, err := parseTradeRow(strings.Split(line, ","), o.unmappedSentinel)
		if err != nil {
			o.logger.Printf("WARN observer: skip trade row: %v", err)
			continue
		}
		out <- models.Event{Kind: models.EventTradeCallback, Trade: trade}
	}
	o.mu.Lock()
	o.callbackCheckpoints["trades"] = len(lines)
	o.mu.Unlock()
	o.persistCallbackCheckpoints()
}

func (o *Observer) pollPositionCallbacks(out chan<- models.Event) {
	path := filepath.Join(o.paths.callbackPath(), o.paths.PositionFile)
	lines, err := readLines(path)
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Printf("ERROR observer: read position callback file: %v", err)
		}
		return
	}
	o.mu.Lock()
	ckpt := o.callbackCheckpoints["positions"]
	wasSeen := o.positionsSeen
	o.mu.Unlock()

	if len(lines) > ckpt {
		var positions []models.PositionCallback
		for _, line := range lines[ckpt:] {
			if strings.HasPrefix(line, "\x00") {
				continue
			}
			pos, err := parsePositionRow(strings.Split(line, ","))
			if err != nil {
				o.logger.Printf("WARN observer: skip position row: %v", err)
				continue
			}
			positions = append(positions, pos)
		}
		if len(positions) > 0 {
			out <- models.Event{Kind: models.EventPositionsCallback, Positions: positions}
		}
		o.mu.Lock()
		o.callbackCheckpoints["positions"] = len(lines)
		o.positionsSeen = true
		o.mu.Unlock()
		o.persistCallbackCheckpoints()
	}

	if wasSeen && len(lines) > positionCallbackTruncateLines {
		if err := os.Truncate(path, 0); err != nil {
			o.logger.Printf("ERROR observer: truncate position callback file: %v", err)
			return
		}
		o.mu.Lock()
		o.callbackCheckpoints["positions"] = 0
		o.mu.Unlock()
		o.persistCallbackCheckpoints()
	}
}

// ResetCheckpoints clears both checkpoint sets and persists the empty
// state, called by the engine at RESET_TIME1/RESET_TIME2.
func (o *Observer) ResetCheckpoints() {
	o.mu.Lock()
	o.signalCheckpoints = make(map[string]int)
	o.callbackCheckpoints = make(map[string]int)
	o.positionsSeen = false
	o.mu.Unlock()
	o.persistSignalCheckpoints()
	o.persistCallbackCheckpoints()
}

func (o *Observer) persistSignalCheckpoints() {
	o.mu.Lock()
	snapshot := make(map[string]int, len(o.signalCheckpoints))
	for k, v := range o.signalCheckpoints {
		snapshot[k] = v
	}
	o.mu.Unlock()
	if err := checkpoint.Dump(o.signalCheckpointPath, snapshot); err != nil {
		o.logger.Printf("ERROR observer: persist signal checkpoints: %v", err)
	}
}

func (o *Observer) persistCallbackCheckpoints() {
	o.mu.Lock()
	snapshot := make(map[string]int, len(o.callbackCheckpoints))
	for k, v := range o.callbackCheckpoints {
		snapshot[k] = v
	}
	o.mu.Unlock()
	if err := checkpoint.Dump(o.callbackCheckpointPath, snapshot); err != nil {
		o.logger.Printf("ERROR observer: persist callback checkpoints: %v", err)
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
