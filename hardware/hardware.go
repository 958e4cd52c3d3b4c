// Package hardware drives a PC/SC contactless reader such as the ACR122U.
// It translates native MIFARE Classic frames into the reader's storage card
// pseudo-APDUs.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"
	"github.com/oo-developer/cardreader/classic"
	"github.com/oo-developer/cardreader/iso7816"
	"github.com/oo-developer/cardreader/keys"
	"github.com/sirupsen/logrus"
)

// Pseudo-APDU instruction bytes, CLA FF.
const (
	insGetData      = 0xCA
	insLoadKey      = 0x82
	insGeneralAuth  = 0x86
	insReadBinary   = 0xB0
	keySlot         = 0x00
	statusPollDelay = time.Second
)

type CardInfo struct {
	Type     string
	UID      []byte
	ATR      []byte // Answer to Reset
	Protocol string // Communication protocol
	Layout   classic.Layout
	// Classic is false for cards that are not MIFARE Classic compatible.
	Classic bool
}

// Scard is the subset of *scard.Card the reader uses.
type Scard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (*scard.CardStatus, error)
	Disconnect(d scard.Disposition) error
}

type Reader struct {
	ctx      *scard.Context
	card     Scard
	reader   string
	cardInfo *CardInfo
	log      logrus.FieldLogger
	// loaded is the key in the reader's volatile key slot, if any.
	loaded *keys.Key
}

var _ classic.Transceiver = (*Reader)(nil)

// NewReader establishes a PC/SC context.
func NewReader(log logrus.FieldLogger) (*Reader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	r := newReader(log)
	r.ctx = ctx
	return r, nil
}

func newReader(log logrus.FieldLogger) *Reader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reader{cardInfo: &CardInfo{}, log: log.WithField("component", "hardware")}
}

func (m *Reader) Reader() string {
	return m.reader
}

// Close releases the hardware resources
func (m *Reader) Close() error {
	if m.card != nil {
		_ = m.card.Disconnect(scard.LeaveCard)
		m.card = nil
	}
	if m.ctx != nil {
		return m.ctx.Release()
	}
	return nil
}

// WaitForCard blocks until a card is present on the selected reader or ctx
// is done.
func (m *Reader) WaitForCard(ctx context.Context) error {
	states := []scard.ReaderState{
		{Reader: m.reader, CurrentState: scard.StateUnaware},
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.ctx.GetStatusChange(states, statusPollDelay)
		if errors.Is(err, scard.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait for card: %w", err)
		}
		if states[0].EventState&scard.StatePresent != 0 {
			return nil
		}
		states[0].CurrentState = states[0].EventState
	}
}

// ListReaders returns available PC/SC readers
func (m *Reader) ListReaders() ([]string, error) {
	readers, err := m.ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}

func (m *Reader) UseReader(reader string) {
	m.reader = reader
}

// Connect connects to the card on the selected reader and identifies it.
func (m *Reader) Connect() error {
	if m.reader == "" {
		return fmt.Errorf("no hardware selected, use: UseReader(hardware string)")
	}
	card, err := m.ctx.Connect(m.reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("failed to connect to hardware: %w", err)
	}
	return m.attach(card)
}

func (m *Reader) attach(card Scard) error {
	m.card = card
	m.loaded = nil
	m.cardInfo = &CardInfo{}
	uid, err := m.getUID()
	if err != nil {
		return err
	}
	m.cardInfo.UID = uid
	if err := m.detectCardType(); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"reader":  m.reader,
		"type":    m.cardInfo.Type,
		"uid_len": len(uid),
	}).Info("card connected")
	return nil
}

func (m *Reader) CardInfo() *CardInfo {
	return m.cardInfo
}

func (m *Reader) transmit(apdu []byte) ([]byte, error) {
	if m.card == nil {
		return nil, fmt.Errorf("not connected to card")
	}
	rsp, err := m.card.Transmit(apdu)
	if err != nil {
		return nil, cardError(err)
	}
	return rsp, nil
}

// cardError maps PC/SC failures that mean the card left the field to
// classic.ErrCardLost.
func cardError(err error) error {
	if errors.Is(err, scard.ErrRemovedCard) || errors.Is(err, scard.ErrResetCard) || errors.Is(err, scard.ErrNoSmartcard) {
		return fmt.Errorf("%w: %v", classic.ErrCardLost, err)
	}
	return err
}

func (m *Reader) getUID() ([]byte, error) {
	rsp, err := m.transmit([]byte{0xFF, insGetData, 0x00, 0x00, 0x00})
	if err != nil {
		return nil, fmt.Errorf("failed to get UID: %w", err)
	}
	uid, err := iso7816.CheckResponse(insGetData, rsp)
	if err != nil {
		return nil, fmt.Errorf("failed to get UID: %w", err)
	}
	return uid, nil
}

func (m *Reader) detectCardType() error {
	status, err := m.card.Status()
	if err != nil {
		return cardError(err)
	}
	protocol := "Unknown"
	switch status.ActiveProtocol {
	case scard.ProtocolT0:
		protocol = "T=0"
	case scard.ProtocolT1:
		protocol = "T=1"
	}
	m.cardInfo.ATR = status.Atr
	m.cardInfo.Protocol = protocol

	layout, name, ok := LayoutFromATR(status.Atr)
	m.cardInfo.Type = name
	m.cardInfo.Layout = layout
	m.cardInfo.Classic = ok
	return nil
}

// LayoutFromATR maps the PC/SC card name in atr to a Classic layout. ok is
// false for other cards; name is still filled in when known.
func LayoutFromATR(atr []byte) (layout classic.Layout, name string, ok bool) {
	parsed, err := iso7816.ParseATR(atr)
	if err != nil || parsed.PCSC == nil {
		return classic.Layout{}, "Unknown", false
	}
	name = parsed.PCSC.Name()
	switch parsed.PCSC.CardName {
	case iso7816.CardNameMifareMini:
		return classic.LayoutMini, name, true
	case iso7816.CardNameMifareClassic1K:
		return classic.Layout1K, name, true
	case iso7816.CardNameMifarePlusSL1_2K:
		return classic.Layout2K, name, true
	case iso7816.CardNameMifareClassic4K, iso7816.CardNameMifarePlusSL1_4K:
		return classic.Layout4K, name, true
	}
	return classic.Layout{}, name, false
}

// Transceive implements classic.Transceiver. Authentication and read
// frames are translated to load key, general authenticate and read binary
// APDUs; a non-success status word becomes a NAK.
func (m *Reader) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if keyType, block, key, ok := classic.ParseAuthCommand(cmd); ok {
		return m.authenticate(keyType, block, key)
	}
	if block, ok := classic.ParseReadCommand(cmd); ok {
		return m.readBlock(block)
	}
	return nil, fmt.Errorf("unsupported command % X", cmd)
}

func (m *Reader) authenticate(keyType keys.KeyType, block int, key keys.Key) ([]byte, error) {
	if m.loaded == nil || *m.loaded != key {
		if err := m.classicLoadKey(keySlot, key); err != nil {
			m.loaded = nil
			var swErr *iso7816.SWError
			if errors.As(err, &swErr) {
				return []byte{classic.Nak}, nil
			}
			return nil, err
		}
		m.loaded = &key
	}

	code := byte(classic.CmdAuthKeyA)
	if keyType == keys.KeyTypeB {
		code = classic.CmdAuthKeyB
	}
	err := m.classicAuthenticate(byte(block), code, keySlot)
	var swErr *iso7816.SWError
	switch {
	case err == nil:
		return []byte{classic.Ack}, nil
	case errors.As(err, &swErr):
		m.log.WithFields(logrus.Fields{"block": block, "sw": fmt.Sprintf("%04X", swErr.SW)}).Debug("authentication rejected")
		return []byte{classic.Nak}, nil
	default:
		return nil, err
	}
}

func (m *Reader) classicLoadKey(keyNumber byte, key keys.Key) error {
	cmd := []byte{0xFF, insLoadKey, 0x00, keyNumber, keys.KeyLen}
	cmd = append(cmd, key[:]...)

	rsp, err := m.transmit(cmd)
	if err != nil {
		return fmt.Errorf("failed to load key: %w", err)
	}
	if _, err := iso7816.CheckResponse(insLoadKey, rsp); err != nil {
		return fmt.Errorf("key load failed: %w", err)
	}
	return nil
}

// classicAuthenticate authenticates a block with the key in keyNumber.
func (m *Reader) classicAuthenticate(block byte, keyType byte, keyNumber byte) error {
	cmd := []byte{0xFF, insGeneralAuth, 0x00, 0x00, 0x05, 0x01, 0x00, block, keyType, keyNumber}

	rsp, err := m.transmit(cmd)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if _, err := iso7816.CheckResponse(insGeneralAuth, rsp); err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}
	return nil
}

func (m *Reader) readBlock(block int) ([]byte, error) {
	cmd := []byte{0xFF, insReadBinary, 0x00, byte(block), classic.BlockSize}
	rsp, err := m.transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	data, err := iso7816.CheckResponse(insReadBinary, rsp)
	if err != nil || len(data) != classic.BlockSize {
		m.log.WithFields(logrus.Fields{"block": block, "error": err}).Debug("read rejected")
		return []byte{classic.Nak}, nil
	}
	return data, nil
}
