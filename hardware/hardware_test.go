package hardware

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/ebfe/scard"
	"github.com/oo-developer/cardreader/classic"
	"github.com/oo-developer/cardreader/keys"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const atr1K = "3b8f8001804f0ca000000306030001000000006a"

// fakeACR122U answers pseudo-APDUs the way the reader firmware does, on
// top of a virtual card.
type fakeACR122U struct {
	card     *classic.VirtualCard
	atr      []byte
	slots    [2]keys.Key
	apdus    [][]byte
	lost     bool
	disposed bool

	// refuseLoad answers the next load key with an error status word.
	refuseLoad bool
}

func (f *fakeACR122U) Transmit(apdu []byte) ([]byte, error) {
	f.apdus = append(f.apdus, append([]byte(nil), apdu...))
	if f.lost {
		return nil, scard.ErrRemovedCard
	}
	ok := []byte{0x90, 0x00}
	if len(apdu) < 5 || apdu[0] != 0xFF {
		return []byte{0x6e, 0x00}, nil
	}
	switch apdu[1] {
	case 0xCA:
		return append(f.card.TagID(), ok...), nil
	case 0x82:
		if f.refuseLoad {
			f.refuseLoad = false
			f.slots[apdu[3]] = keys.Key{}
			return []byte{0x63, 0x00}, nil
		}
		copy(f.slots[apdu[3]][:], apdu[5:11])
		return ok, nil
	case 0x86:
		block, keyType, slot := apdu[7], apdu[8], apdu[9]
		cmd := append([]byte{keyType, block}, f.slots[slot][:]...)
		cmd = append(cmd, f.card.TagID()[:4]...)
		rsp, err := f.card.Transceive(context.Background(), cmd)
		if err != nil {
			return nil, err
		}
		if len(rsp) == 1 && rsp[0] == classic.Ack {
			return ok, nil
		}
		return []byte{0x63, 0x00}, nil
	case 0xB0:
		rsp, err := f.card.Transceive(context.Background(), []byte{classic.CmdRead, apdu[3]})
		if err != nil {
			return nil, err
		}
		if len(rsp) != classic.BlockSize {
			return []byte{0x63, 0x00}, nil
		}
		return append(rsp, ok...), nil
	}
	return []byte{0x6d, 0x00}, nil
}

func (f *fakeACR122U) Status() (*scard.CardStatus, error) {
	return &scard.CardStatus{Atr: f.atr, ActiveProtocol: scard.ProtocolT1}, nil
}

func (f *fakeACR122U) Disconnect(scard.Disposition) error {
	f.disposed = true
	return nil
}

func transportImage(t *testing.T, secretSector int, secret keys.Key) []byte {
	t.Helper()
	img := make([]byte, classic.Layout1K.Size)
	copy(img, []byte{0xde, 0xad, 0xbe, 0xef})
	for s := 0; s < classic.Layout1K.Sectors; s++ {
		off := classic.TrailerBlock(s) * classic.BlockSize
		keyA := keys.MustParseKey("ffffffffffff")
		if s == secretSector {
			keyA = secret
		}
		copy(img[off:], keyA[:])
		copy(img[off+6:], []byte{0xff, 0x07, 0x80, 0x69})
		copy(img[off+10:], keyA[:])
	}
	return img
}

func newFake(t *testing.T, img []byte, atr string) *fakeACR122U {
	t.Helper()
	vc, err := classic.NewVirtualCard(img)
	require.NoError(t, err)
	b, err := hex.DecodeString(atr)
	require.NoError(t, err)
	return &fakeACR122U{card: vc, atr: b}
}

func connectFake(t *testing.T, f *fakeACR122U) *Reader {
	t.Helper()
	logger, _ := test.NewNullLogger()
	r := newReader(logger)
	r.UseReader("ACS ACR122U PICC Interface 00 00")
	require.NoError(t, r.attach(f))
	return r
}

func TestConnectIdentifiesCard(t *testing.T) {
	f := newFake(t, transportImage(t, -1, keys.Key{}), atr1K)
	r := connectFake(t, f)

	info := r.CardInfo()
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, info.UID)
	assert.Equal(t, "MIFARE Classic 1K", info.Type)
	assert.Equal(t, "T=1", info.Protocol)
	assert.True(t, info.Classic)
	assert.Equal(t, classic.Layout1K, info.Layout)

	require.NoError(t, r.Close())
	assert.True(t, f.disposed)
}

func TestReadCardThroughReader(t *testing.T) {
	secret := keys.MustParseKey("a0a1a2a3a4a5")
	f := newFake(t, transportImage(t, 5, secret), atr1K)
	r := connectFake(t, f)

	reader := classic.NewReader(classic.ReaderConfig{Keys: keys.NewWellKnown()})
	card, err := reader.ReadCard(context.Background(), r, r.CardInfo().UID, r.CardInfo().Layout)
	require.NoError(t, err)

	assert.False(t, card.Partial)
	assert.Equal(t, 16, card.CountByStatus(classic.StatusValid))
	s5, ok := card.Sector(5).(*classic.ValidSector)
	require.True(t, ok)
	assert.Equal(t, secret, s5.Key.Key)

	// the key slot is reloaded only when the key changes
	loads := 0
	for _, apdu := range f.apdus {
		if apdu[1] == insLoadKey {
			loads++
		}
	}
	assert.Less(t, loads, card.Stats.AuthAttempts)
}

func TestTransceiveMapsStatusWords(t *testing.T) {
	f := newFake(t, transportImage(t, -1, keys.Key{}), atr1K)
	r := connectFake(t, f)
	ctx := context.Background()

	wrong := append([]byte{classic.CmdAuthKeyA, 3}, make([]byte, 10)...)
	rsp, err := r.Transceive(ctx, wrong)
	require.NoError(t, err)
	assert.Equal(t, []byte{classic.Nak}, rsp)

	right := append([]byte{classic.CmdAuthKeyA, 3}, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0)
	rsp, err = r.Transceive(ctx, right)
	require.NoError(t, err)
	assert.Equal(t, []byte{classic.Ack}, rsp)

	rsp, err = r.Transceive(ctx, []byte{classic.CmdRead, 1})
	require.NoError(t, err)
	assert.Len(t, rsp, classic.BlockSize)

	_, err = r.Transceive(ctx, []byte{0x50, 0x00})
	assert.Error(t, err)
}

func TestTransceiveCardLost(t *testing.T) {
	f := newFake(t, transportImage(t, -1, keys.Key{}), atr1K)
	r := connectFake(t, f)
	f.lost = true

	_, err := r.Transceive(context.Background(), []byte{classic.CmdRead, 1})
	assert.True(t, errors.Is(err, classic.ErrCardLost))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Transceive(ctx, []byte{classic.CmdRead, 1})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLayoutFromATR(t *testing.T) {
	tests := []struct {
		atr    string
		layout classic.Layout
		ok     bool
	}{
		{atr1K, classic.Layout1K, true},
		{"3b8f8001804f0ca0000003060300020000000069", classic.Layout4K, true},
		{"3b8f8001804f0ca000000306030026000000004d", classic.LayoutMini, true},
		{"3b8f8001804f0ca0000003060300030000000068", classic.Layout{}, false},
		{"3b0212ab", classic.Layout{}, false},
	}
	for _, tt := range tests {
		b, err := hex.DecodeString(tt.atr)
		require.NoError(t, err)
		layout, _, ok := LayoutFromATR(b)
		assert.Equal(t, tt.ok, ok, tt.atr)
		assert.Equal(t, tt.layout, layout, tt.atr)
	}
}

func TestFailedKeyLoadForgetsSlot(t *testing.T) {
	f := newFake(t, transportImage(t, -1, keys.Key{}), atr1K)
	r := connectFake(t, f)
	ctx := context.Background()
	auth := append([]byte{classic.CmdAuthKeyA, 3}, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0)
	other := append([]byte{classic.CmdAuthKeyA, 3}, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0, 0, 0, 0)

	rsp, err := r.Transceive(ctx, auth)
	require.NoError(t, err)
	assert.Equal(t, []byte{classic.Ack}, rsp)

	f.refuseLoad = true
	rsp, err = r.Transceive(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []byte{classic.Nak}, rsp)

	// the slot may hold anything now, so the key is loaded again
	rsp, err = r.Transceive(ctx, auth)
	require.NoError(t, err)
	assert.Equal(t, []byte{classic.Ack}, rsp)
	assert.Equal(t, byte(insLoadKey), f.apdus[len(f.apdus)-2][1])
}
