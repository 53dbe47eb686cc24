package signature

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/pkg/errors"

	"gopatch/memory"
)

type scanConfig struct {
	chunkSize memory.Size
	log       *logger.Logger
}

// Option configures a scan
type Option func(*scanConfig)

// WithChunkSize bounds the size of a single read
func WithChunkSize(n memory.Size) Option {
	return func(c *scanConfig) {
		c.chunkSize = n
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(c *scanConfig) {
		c.log = log
	}
}

func newScanConfig(opts []Option) *scanConfig {
	c := &scanConfig{chunkSize: memory.DefaultChunkSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *scanConfig) logger() *logger.Logger {
	if c.log == nil {
		c.log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "signature"))
	}
	return c.log
}

// Find returns the lowest address in span where sig matches. A span shorter
// than the signature is not found without touching memory.
func Find(r memory.Reader, span memory.Span, sig Signature, opts ...Option) (memory.Address, bool, error) {
	if sig.Len() == 0 || span.Size < memory.Size(sig.Len()) {
		return 0, false, nil
	}

	c := newScanConfig(opts)

	var result memory.Address
	found := false
	err := memory.Walk(r, span, c.chunkSize, memory.Size(sig.Len()-1), func(base memory.Address, data []byte, owned int) bool {
		if i := indexFrom(data, sig, 0, owned); i >= 0 {
			result = base + memory.Address(i)
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return 0, false, err
	}

	return result, found, nil
}

// FindAll returns every address in span where sig matches, ascending
func FindAll(r memory.Reader, span memory.Span, sig Signature, opts ...Option) ([]memory.Address, error) {
	if sig.Len() == 0 || span.Size < memory.Size(sig.Len()) {
		return nil, nil
	}

	c := newScanConfig(opts)

	var results []memory.Address
	err := memory.Walk(r, span, c.chunkSize, memory.Size(sig.Len()-1), func(base memory.Address, data []byte, owned int) bool {
		for i := indexFrom(data, sig, 0, owned); i >= 0; i = indexFrom(data, sig, i+1, owned) {
			results = append(results, base+memory.Address(i))
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// FindAllParallel scans several spans concurrently, maxdop bounds the number of
// goroutines. Unreadable spans are skipped. Results are sorted ascending.
func FindAllParallel(r memory.Reader, spans []memory.Span, sig Signature, maxdop uint, opts ...Option) ([]memory.Address, error) {
	if sig.Len() == 0 {
		return nil, errors.Wrap(memory.ErrMalformedSignature, "empty pattern")
	}

	c := newScanConfig(opts)
	log := c.logger()

	if maxdop == 0 {
		maxdop = 1
	}
	numCPU := uint(runtime.NumCPU())
	if maxdop > numCPU {
		maxdop = numCPU
		log.Debugln("Limiting maxdop to number of CPUs:", maxdop)
	}

	log.Infoln("Starting parallel scan of", len(spans), "spans with maxdop=", maxdop)

	sem := make(chan struct{}, maxdop)
	var wg sync.WaitGroup

	var resultsMutex sync.Mutex
	var results []memory.Address

	for _, span := range spans {
		wg.Add(1)
		sem <- struct{}{}

		go func(span memory.Span) {
			defer func() {
				<-sem
				wg.Done()
			}()

			matches, err := FindAll(r, span, sig, opts...)
			if err != nil {
				log.Debugln("Failed to scan", span.String(), err)
				return
			}

			if len(matches) > 0 {
				resultsMutex.Lock()
				results = append(results, matches...)
				resultsMutex.Unlock()
			}
		}(span)
	}

	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })

	log.Infoln("Parallel scan complete, found", len(results), "matches for", fmt.Sprintf("%q", sig.String()))
	return results, nil
}
