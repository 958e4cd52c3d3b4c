package classic

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/oo-developer/cardreader/keys"
	"github.com/sirupsen/logrus"
)

// Defaults for the authentication budget. Sector i may start an attempt
// only while fewer than perSector*(i+1)+slack attempts were made on the
// whole card.
const (
	DefaultAuthAttemptsPerSector = 4
	DefaultAuthAttemptSlack      = 8
)

// Feedback receives progress while a card is read.
type Feedback interface {
	UpdateStatus(msg string)
	UpdateProgress(current, max int)
}

type nopFeedback struct{}

func (nopFeedback) UpdateStatus(string)      {}
func (nopFeedback) UpdateProgress(int, int) {}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Keys                  keys.Source
	Logger                logrus.FieldLogger
	Feedback              Feedback
	AuthAttemptsPerSector int // 0 selects DefaultAuthAttemptsPerSector
	AuthAttemptSlack      int // 0 selects DefaultAuthAttemptSlack, negative disables slack
}

// Reader authenticates and reads every sector of a card, one exchange at a
// time.
type Reader struct {
	keys      keys.Source
	log       logrus.FieldLogger
	feedback  Feedback
	perSector int
	slack     int
}

// NewReader applies defaults to cfg. A nil Keys source tries no keys, so
// every sector comes back unauthorized.
func NewReader(cfg ReaderConfig) *Reader {
	if cfg.Keys == nil {
		cfg.Keys = keys.NewKeyring()
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	if cfg.Feedback == nil {
		cfg.Feedback = nopFeedback{}
	}
	if cfg.AuthAttemptsPerSector <= 0 {
		cfg.AuthAttemptsPerSector = DefaultAuthAttemptsPerSector
	}
	if cfg.AuthAttemptSlack < 0 {
		cfg.AuthAttemptSlack = 0
	} else if cfg.AuthAttemptSlack == 0 {
		cfg.AuthAttemptSlack = DefaultAuthAttemptSlack
	}
	return &Reader{
		keys:      cfg.Keys,
		log:       cfg.Logger,
		feedback:  cfg.Feedback,
		perSector: cfg.AuthAttemptsPerSector,
		slack:     cfg.AuthAttemptSlack,
	}
}

// MaxAuthAttempts is the most authentication exchanges a read of layout
// can issue.
func (r *Reader) MaxAuthAttempts(layout Layout) int {
	return r.perSector*layout.Sectors + r.slack
}

type readState struct {
	tx    Transceiver
	tagID []byte
	stats Stats
}

// ReadCard reads every sector of the card with tagID. If the card is lost
// part way, the sectors classified so far are returned with Partial set;
// an error is returned only when no sector was classified.
func (r *Reader) ReadCard(ctx context.Context, tx Transceiver, tagID []byte, layout Layout) (*Card, error) {
	st := &readState{tx: tx, tagID: tagID}
	card := &Card{
		TagID:  append([]byte(nil), tagID...),
		Layout: layout,
	}
	maxProgress := layout.Sectors * 5
	log := r.log.WithField("layout", layout.Name)

	for i := 0; i < layout.Sectors; i++ {
		sector, err := r.readSector(ctx, st, i, maxProgress)
		if err != nil {
			card.Stats = st.stats
			if len(card.Sectors) == 0 {
				return nil, fmt.Errorf("read card: %w", err)
			}
			log.WithError(err).WithField("sector", i).Warn("card lost, returning partial read")
			card.Partial = true
			return card, nil
		}
		card.Sectors = append(card.Sectors, sector)
		r.feedback.UpdateProgress(i*5+4, maxProgress)
	}
	card.Stats = st.stats
	log.WithFields(logrus.Fields{
		"auth_attempts": st.stats.AuthAttempts,
		"block_reads":   st.stats.BlockReads,
	}).Info("card read")
	return card, nil
}

// readSector returns an error only when the read must stop.
func (r *Reader) readSector(ctx context.Context, st *readState, index, maxProgress int) (Sector, error) {
	log := r.log.WithField("sector", index)
	r.feedback.UpdateProgress(index*5, maxProgress)
	r.feedback.UpdateStatus(fmt.Sprintf("Authenticating sector %d", index))

	key, ok, err := r.authenticate(ctx, st, index, log)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		log.WithError(err).Debug("transceive failed during authentication")
		return &InvalidSector{Index: index, Reason: err.Error()}, nil
	}
	r.feedback.UpdateProgress(index*5+3, maxProgress)
	if !ok {
		log.Debug("no key found")
		return &UnauthorizedSector{Index: index}, nil
	}

	r.feedback.UpdateStatus(fmt.Sprintf("Reading sector %d", index))
	sector, err := r.readBlocks(ctx, st, index, key)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		log.WithError(err).Debug("transceive failed during read")
		return &InvalidSector{Index: index, Reason: err.Error()}, nil
	}
	return sector, nil
}

func fatal(err error) bool {
	return errors.Is(err, ErrCardLost) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// authenticate tries the configured Key A candidates, then the configured
// Key B candidates, and only then the well-known fallback keys in the same
// type order, while the card wide budget allows.
func (r *Reader) authenticate(ctx context.Context, st *readState, index int, log logrus.FieldLogger) (keys.Candidate, bool, error) {
	limit := r.perSector*(index+1) + r.slack
	block := TrailerBlock(index)
	for _, fallback := range []bool{false, true} {
		for _, kt := range []keys.KeyType{keys.KeyTypeA, keys.KeyTypeB} {
			for _, c := range r.keys.Candidates(index, kt, st.tagID) {
				if (c.Provenance.Kind == keys.KindWellKnown) != fallback {
					continue
				}
				if st.stats.AuthAttempts >= limit {
					log.WithField("limit", limit).Debug("authentication budget exhausted")
					return keys.Candidate{}, false, nil
				}
				if err := ctx.Err(); err != nil {
					return keys.Candidate{}, false, err
				}
				st.stats.AuthAttempts++
				rsp, err := st.tx.Transceive(ctx, authCommand(kt, block, c.Key, st.tagID))
				if err != nil {
					return keys.Candidate{}, false, err
				}
				if len(rsp) == 1 && rsp[0] == Ack {
					c.Type = kt
					log.WithFields(logrus.Fields{
						"key_type": kt,
						"kind":     c.Provenance.Kind,
						"bundle":   c.Provenance.Bundle,
						"attempt":  st.stats.AuthAttempts,
					}).Debug("authenticated")
					return c, true, nil
				}
			}
		}
	}
	return keys.Candidate{}, false, nil
}

func (r *Reader) readBlock(ctx context.Context, st *readState, block int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.stats.BlockReads++
	rsp, err := st.tx.Transceive(ctx, readCommand(block))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rsp...), nil
}

// readBlocks reads the trailer first, then the data blocks its access bits
// allow, then the rest. Every block is read exactly once.
func (r *Reader) readBlocks(ctx context.Context, st *readState, index int, key keys.Candidate) (Sector, error) {
	first := SectorToBlock(index)
	count := BlocksInSector(index)

	raw, err := r.readBlock(ctx, st, first+count-1)
	if err != nil {
		return nil, err
	}
	if len(raw) != BlockSize {
		return &InvalidSector{Index: index, Reason: fmt.Sprintf("trailer read returned %d bytes", len(raw))}, nil
	}
	access, err := DecodeAccessBits(raw[6:10])
	if err != nil {
		return &InvalidSector{Index: index, Reason: err.Error()}, nil
	}

	blocks := make([]Block, count)
	blocks[count-1] = Block{
		Index:    count - 1,
		Data:     access.MaskTrailer(raw),
		Trailer:  true,
		Readable: true,
	}
	order := make([]int, 0, count-1)
	var denied []int
	for off := 0; off < count-1; off++ {
		readable := access.IsDataBlockReadable(SlotForBlock(off, count), key.Type)
		blocks[off] = Block{Index: off, Readable: readable}
		if readable {
			order = append(order, off)
		} else {
			denied = append(denied, off)
		}
	}
	for _, off := range append(order, denied...) {
		data, err := r.readBlock(ctx, st, first+off)
		if err != nil {
			return nil, err
		}
		blocks[off].Data = data
		if blocks[off].Readable && len(data) != BlockSize {
			// the card refused a block its access bits allow
			r.log.WithFields(logrus.Fields{"sector": index, "block": off, "len": len(data)}).Debug("readable block not returned")
			blocks[off].Readable = false
		}
	}
	return &ValidSector{Index: index, Blocks: blocks, Key: key, Access: access}, nil
}
