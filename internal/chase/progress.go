package chase

import (
	"github.com/bitchase/bitchase/libs/log"
)

const progressInterval = 1000

// Progress emits a log line each thousand headers or blocks, with running
// transaction and archive-size totals.
type Progress struct {
	logger log.Logger
	txs    uint64
}

// NewProgress creates a progress reporter.
func NewProgress(logger log.Logger) *Progress {
	return &Progress{logger: logger}
}

// Header reports candidate chain extension.
func (p *Progress) Header(height, archiveSize uint64) {
	if height%progressInterval != 0 {
		return
	}
	p.logger.Info("processed headers", "height", height, "archive", archiveSize)
}

// Block reports confirmed chain extension.
func (p *Progress) Block(height uint64, txCount int, archiveSize uint64) {
	p.txs += uint64(txCount)
	if height%progressInterval != 0 {
		return
	}
	p.logger.Info("processed blocks",
		"height", height, "txs", p.txs, "archive", archiveSize)
}
