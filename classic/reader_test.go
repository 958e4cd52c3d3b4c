package classic

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/oo-developer/cardreader/keys"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUID = []byte{0x12, 0x34, 0x56, 0x78}

func newTestReader(sources ...keys.Source) *Reader {
	return NewReader(ReaderConfig{Keys: keys.NewKeyring(sources...)})
}

func readImage(t *testing.T, r *Reader, img []byte) (*Card, *VirtualCard) {
	t.Helper()
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	card, err := r.ReadCard(context.Background(), vc, vc.TagID(), vc.Layout())
	require.NoError(t, err)
	return card, vc
}

func assertSectorMatchesImage(t *testing.T, img []byte, s *ValidSector) {
	t.Helper()
	first := SectorToBlock(s.Index)
	for _, b := range s.Blocks {
		want := blockOf(img, first+b.Index)
		if b.Trailer {
			access, err := DecodeAccessBits(want[6:10])
			require.NoError(t, err)
			want = access.MaskTrailer(want)
		}
		assert.Equal(t, want, b.Data, "sector %d block %d", s.Index, b.Index)
	}
}

func TestReadCardDefaultKeys(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	r := newTestReader(keys.NewWellKnown())

	card, vc := readImage(t, r, img)

	require.Len(t, card.Sectors, 16)
	assert.False(t, card.Partial)
	assert.Equal(t, testUID, card.TagID)
	for i, s := range card.Sectors {
		v, ok := s.(*ValidSector)
		require.True(t, ok, "sector %d is %s", i, s.Status())
		assert.Equal(t, i, v.Index)
		assert.Len(t, v.Blocks, 4)
		assert.Equal(t, keys.KeyTypeA, v.Key.Type)
		assert.Equal(t, keyFF, v.Key.Key)
		assertSectorMatchesImage(t, img, v)
	}
	assert.LessOrEqual(t, vc.AuthCount(), 4*16+8)
	assert.LessOrEqual(t, vc.ReadCount(), 64)
	assert.Equal(t, Stats{AuthAttempts: vc.AuthCount(), BlockReads: vc.ReadCount()}, card.Stats)
	assert.Equal(t, 16, card.Stats.AuthAttempts)
}

func TestReadCard4K(t *testing.T) {
	img := buildImage(Layout4K, testUID, func(s int) sectorSpec {
		sp := transportSector()
		if s == 33 {
			sp.access = EncodeAccessBits([4]byte{0, 7, 0, 1}, 0x69)
		}
		return sp
	})
	r := newTestReader(keys.NewWellKnown())

	card, vc := readImage(t, r, img)

	require.Len(t, card.Sectors, 40)
	assert.Equal(t, 256, vc.ReadCount())
	assert.LessOrEqual(t, vc.AuthCount(), 4*40+8)
	for _, s := range card.Sectors {
		v, ok := s.(*ValidSector)
		require.True(t, ok)
		if v.Index != 33 {
			assertSectorMatchesImage(t, img, v)
		}
	}

	s33 := card.Sector(33).(*ValidSector)
	require.Len(t, s33.Blocks, 16)
	for off, b := range s33.Blocks[:15] {
		if off >= 5 && off < 10 {
			assert.False(t, b.Readable, "offset %d", off)
			assert.Equal(t, []byte{Nak}, b.Data)
		} else {
			assert.True(t, b.Readable, "offset %d", off)
			assert.Equal(t, blockOf(img, SectorToBlock(33)+off), b.Data)
		}
	}
}

func TestReadCardMini(t *testing.T) {
	img := buildImage(LayoutMini, testUID, func(int) sectorSpec { return transportSector() })
	card, vc := readImage(t, newTestReader(keys.NewWellKnown()), img)

	assert.Len(t, card.Sectors, 5)
	assert.Equal(t, 20, vc.ReadCount())
}

func TestReadCardAuthBudget(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec {
		return sectorSpec{keyA: keySecretA, keyB: keySecretB, access: accessTransport}
	})
	card, vc := readImage(t, newTestReader(keys.NewWellKnown()), img)

	require.Len(t, card.Sectors, 16)
	for _, s := range card.Sectors {
		assert.Equal(t, StatusUnauthorized, s.Status())
	}
	assert.Equal(t, 16, card.CountByStatus(StatusUnauthorized))
	assert.LessOrEqual(t, vc.AuthCount(), 4*16+8)
	assert.Equal(t, 0, vc.ReadCount())
}

func TestReadCardBudgetIsConfigurable(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec {
		return sectorSpec{keyA: keySecretA, keyB: keySecretB, access: accessTransport}
	})
	r := NewReader(ReaderConfig{
		Keys:                  keys.NewKeyring(keys.NewWellKnown()),
		AuthAttemptsPerSector: 1,
		AuthAttemptSlack:      -1,
	})
	_, vc := readImage(t, r, img)

	assert.Equal(t, 16, vc.AuthCount())
	assert.Equal(t, 16, r.MaxAuthAttempts(Layout1K))
}

func TestReadCardPerCardKeysFirst(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(s int) sectorSpec {
		sp := transportSector()
		if s == 3 {
			sp.keyA = keySecretA
		}
		return sp
	})
	ck := &keys.CardKeys{
		UID:    testUID,
		Bundle: "card",
		Keys:   []keys.SectorKey{{Sector: 3, Type: keys.KeyTypeA, Key: keySecretA, Bundle: "card"}},
	}
	card, vc := readImage(t, newTestReader(keys.NewWellKnown(), ck), img)

	v, ok := card.Sector(3).(*ValidSector)
	require.True(t, ok)
	assert.Equal(t, keySecretA, v.Key.Key)
	assert.Equal(t, keys.KindCard, v.Key.Provenance.Kind)
	assert.Equal(t, 16, vc.AuthCount())
	assertSectorMatchesImage(t, img, v)
}

func TestReadCardFallsBackToKeyB(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(s int) sectorSpec {
		sp := transportSector()
		if s == 2 {
			sp = sectorSpec{keyA: keySecretA, keyB: keySecretB, access: EncodeAccessBits([4]byte{3, 3, 3, 3}, 0x69)}
		}
		return sp
	})
	ck := &keys.CardKeys{Keys: []keys.SectorKey{{Sector: 2, Type: keys.KeyTypeB, Key: keySecretB}}}
	card, _ := readImage(t, newTestReader(ck, keys.NewWellKnown()), img)

	v, ok := card.Sector(2).(*ValidSector)
	require.True(t, ok)
	assert.Equal(t, keys.KeyTypeB, v.Key.Type)
	assert.Equal(t, keySecretB, v.Key.Key)
	for _, b := range v.Blocks {
		assert.True(t, b.Readable)
	}
	assert.Equal(t, make([]byte, 6), v.Trailer().Data[10:16], "secret Key B is masked")
	assertSectorMatchesImage(t, img, v)
}

func TestReadCardConfiguredKeyBBeforeWellKnown(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec {
		return sectorSpec{keyA: keySecretA, keyB: keySecretB, access: EncodeAccessBits([4]byte{3, 3, 3, 3}, 0x69)}
	})
	ck := &keys.CardKeys{UID: testUID, Bundle: "learned"}
	for s := 0; s < Layout1K.Sectors; s++ {
		ck.Add(keys.SectorKey{Sector: s, Type: keys.KeyTypeB, Key: keySecretB, Bundle: "learned"})
	}
	card, vc := readImage(t, newTestReader(ck, keys.NewWellKnown()), img)

	assert.Equal(t, 16, card.CountByStatus(StatusValid))
	assert.Equal(t, 16, vc.AuthCount())
	for _, s := range card.Sectors {
		v, ok := s.(*ValidSector)
		require.True(t, ok, "sector %d", s.SectorIndex())
		assert.Equal(t, keys.KeyTypeB, v.Key.Type)
		assert.Equal(t, keys.KindCard, v.Key.Provenance.Kind)
	}
}

func TestReadCardWellKnownAfterConfiguredKeys(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	ck := &keys.CardKeys{Keys: []keys.SectorKey{{Sector: 0, Type: keys.KeyTypeB, Key: keySecretB}}}
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	var sector0 []keys.Key
	tx := transceiveFunc(func(ctx context.Context, cmd []byte) ([]byte, error) {
		if _, block, key, ok := ParseAuthCommand(cmd); ok && block == TrailerBlock(0) {
			sector0 = append(sector0, key)
		}
		return vc.Transceive(ctx, cmd)
	})

	card, err := newTestReader(ck, keys.NewWellKnown()).ReadCard(context.Background(), tx, vc.TagID(), Layout1K)
	require.NoError(t, err)

	assert.Equal(t, []keys.Key{keySecretB, keyFF}, sector0)
	v, ok := card.Sector(0).(*ValidSector)
	require.True(t, ok)
	assert.Equal(t, keys.KindWellKnown, v.Key.Provenance.Kind)
}

func TestReadCardRefusedReadableBlock(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	tx := transceiveFunc(func(ctx context.Context, cmd []byte) ([]byte, error) {
		if block, ok := ParseReadCommand(cmd); ok && block == 4 {
			return []byte{Nak}, nil
		}
		return vc.Transceive(ctx, cmd)
	})

	card, err := newTestReader(keys.NewWellKnown()).ReadCard(context.Background(), tx, vc.TagID(), Layout1K)
	require.NoError(t, err)

	v, ok := card.Sector(1).(*ValidSector)
	require.True(t, ok)
	assert.False(t, v.Blocks[0].Readable)
	assert.Equal(t, []byte{Nak}, v.Blocks[0].Data)
	assert.True(t, v.Blocks[1].Readable)
	assert.Equal(t, blockOf(img, 5), v.Blocks[1].Data)
}

func TestReadCardUnreadableBlockReadLast(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(s int) sectorSpec {
		sp := transportSector()
		if s == 1 {
			sp.access = EncodeAccessBits([4]byte{0, 7, 0, 1}, 0x69)
		}
		return sp
	})
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	var sector1Reads []int
	tx := transceiveFunc(func(ctx context.Context, cmd []byte) ([]byte, error) {
		if block, ok := ParseReadCommand(cmd); ok && BlockToSector(block) == 1 {
			sector1Reads = append(sector1Reads, block)
		}
		return vc.Transceive(ctx, cmd)
	})

	card, err := newTestReader(keys.NewWellKnown()).ReadCard(context.Background(), tx, vc.TagID(), Layout1K)
	require.NoError(t, err)

	assert.Equal(t, []int{7, 4, 6, 5}, sector1Reads)
	v, ok := card.Sector(1).(*ValidSector)
	require.True(t, ok)
	assert.False(t, v.Blocks[1].Readable)
	assert.Equal(t, []byte{Nak}, v.Blocks[1].Data)
	assert.Equal(t, blockOf(img, 4), v.Blocks[0].Data)
	assert.Equal(t, blockOf(img, 6), v.Blocks[2].Data)
}

func TestReadCardInvalidTrailer(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)

	tests := []struct {
		name    string
		trailer []byte
	}{
		{"inconsistent access bits", append(make([]byte, 6), 0xfe, 0x07, 0x80, 0x69, 0, 0, 0, 0, 0, 0)},
		{"short reply", []byte{Nak}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reads := 0
			tx := transceiveFunc(func(ctx context.Context, cmd []byte) ([]byte, error) {
				if block, ok := ParseReadCommand(cmd); ok {
					reads++
					if block == TrailerBlock(5) {
						return tt.trailer, nil
					}
				}
				return vc.Transceive(ctx, cmd)
			})

			card, err := newTestReader(keys.NewWellKnown()).ReadCard(context.Background(), tx, vc.TagID(), Layout1K)
			require.NoError(t, err)

			s, ok := card.Sector(5).(*InvalidSector)
			require.True(t, ok)
			assert.NotEmpty(t, s.Reason)
			assert.Equal(t, 15, card.CountByStatus(StatusValid))
			assert.Equal(t, 15*4+1, reads)
		})
	}
}

func TestReadCardLostMidRead(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	// 5 exchanges per sector: sector 3 gets its auth and trailer read.
	vc.LoseAfter(17)

	card, err := newTestReader(keys.NewWellKnown()).ReadCard(context.Background(), vc, vc.TagID(), Layout1K)
	require.NoError(t, err)

	assert.True(t, card.Partial)
	require.Len(t, card.Sectors, 3)
	for i, s := range card.Sectors {
		assert.Equal(t, i, s.SectorIndex())
		assert.Equal(t, StatusValid, s.Status())
	}
	assert.Equal(t, 4, card.Stats.AuthAttempts)
	assert.Equal(t, 14, card.Stats.BlockReads)
	assert.Nil(t, card.Sector(3))
}

func TestReadCardLostBeforeAnySector(t *testing.T) {
	tx := transceiveFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, ErrCardLost
	})
	card, err := newTestReader(keys.NewWellKnown()).ReadCard(context.Background(), tx, testUID, Layout1K)

	assert.Nil(t, card)
	assert.True(t, errors.Is(err, ErrCardLost))
}

func TestReadCardCancelled(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = newTestReader(keys.NewWellKnown()).ReadCard(ctx, vc, vc.TagID(), Layout1K)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, vc.AuthCount())
}

func TestReadCardTransportErrorIsLocal(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	tx := transceiveFunc(func(ctx context.Context, cmd []byte) ([]byte, error) {
		if _, block, _, ok := ParseAuthCommand(cmd); ok && block == TrailerBlock(2) {
			return nil, errors.New("crc error")
		}
		return vc.Transceive(ctx, cmd)
	})

	card, err := newTestReader(keys.NewWellKnown()).ReadCard(context.Background(), tx, vc.TagID(), Layout1K)
	require.NoError(t, err)

	assert.False(t, card.Partial)
	s, ok := card.Sector(2).(*InvalidSector)
	require.True(t, ok)
	assert.Contains(t, s.Reason, "crc error")
	assert.Equal(t, 15, card.CountByStatus(StatusValid))
}

func TestReadCardSevenByteUID(t *testing.T) {
	uid := []byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	img := buildImage(Layout1K, uid, func(int) sectorSpec { return transportSector() })
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	assert.Equal(t, uid, vc.TagID())

	var firstAuth []byte
	tx := transceiveFunc(func(ctx context.Context, cmd []byte) ([]byte, error) {
		if _, _, _, ok := ParseAuthCommand(cmd); ok && firstAuth == nil {
			firstAuth = slices.Clone(cmd)
		}
		return vc.Transceive(ctx, cmd)
	})

	card, err := newTestReader(keys.NewWellKnown()).ReadCard(context.Background(), tx, vc.TagID(), Layout1K)
	require.NoError(t, err)

	assert.Equal(t, 16, card.CountByStatus(StatusValid))
	require.Len(t, firstAuth, 12)
	assert.Equal(t, []byte{CmdAuthKeyA, 0x03}, firstAuth[:2])
	assert.Equal(t, []byte{0x33, 0x44, 0x55, 0x66}, firstAuth[8:])
}

func TestReadCardFeedback(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	rec := &progressRecorder{}
	r := NewReader(ReaderConfig{Keys: keys.NewWellKnown(), Feedback: rec})

	_, err = r.ReadCard(context.Background(), vc, vc.TagID(), vc.Layout())
	require.NoError(t, err)

	assert.Equal(t, 80, rec.max)
	assert.Equal(t, 79, rec.progress[len(rec.progress)-1])
	assert.True(t, slices.IsSorted(rec.progress))
	assert.Contains(t, rec.statuses, "Reading sector 15")
}

func TestReadCardLogging(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(int) sectorSpec { return transportSector() })
	vc, err := NewVirtualCard(img)
	require.NoError(t, err)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r := NewReader(ReaderConfig{Keys: keys.NewWellKnown(), Logger: logger})

	_, err = r.ReadCard(context.Background(), vc, vc.TagID(), vc.Layout())
	require.NoError(t, err)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "card read", last.Message)
	assert.Equal(t, logrus.InfoLevel, last.Level)
	assert.Equal(t, 16, last.Data["auth_attempts"])

	authenticated := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "authenticated" {
			authenticated++
			assert.Equal(t, "well-known-ff", e.Data["bundle"])
		}
	}
	assert.Equal(t, 16, authenticated)
}

func TestCardExport(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(s int) sectorSpec {
		sp := transportSector()
		if s == 4 {
			sp.keyA = keySecretA
		}
		return sp
	})
	card, _ := readImage(t, newTestReader(keys.NewWellKnown()), img)

	out, err := card.Export(ExportOptions{})
	require.NoError(t, err)
	var doc struct {
		TagID   string `json:"tag_id"`
		Sectors []struct {
			Index  int    `json:"index"`
			Status string `json:"status"`
			Key    *struct {
				Type string `json:"type"`
				Key  string `json:"key"`
			} `json:"key"`
			Blocks []struct {
				Data string `json:"data"`
			} `json:"blocks"`
		} `json:"sectors"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "12345678", doc.TagID)
	require.Len(t, doc.Sectors, 16)
	assert.Equal(t, "unauthorized", doc.Sectors[4].Status)
	assert.Nil(t, doc.Sectors[4].Key)
	require.NotNil(t, doc.Sectors[0].Key)
	assert.Equal(t, "KeyA", doc.Sectors[0].Key.Type)
	assert.Equal(t, "ffffffffffff", doc.Sectors[0].Key.Key)
	assert.True(t, strings.HasPrefix(doc.Sectors[0].Blocks[0].Data, "12345678"))
	assert.NotContains(t, string(out), "well-known")

	hidden, err := card.Export(ExportOptions{HideUID: true})
	require.NoError(t, err)
	assert.NotContains(t, string(hidden), "tag_id")
	require.NoError(t, json.Unmarshal(hidden, &doc))
	assert.True(t, strings.HasPrefix(doc.Sectors[0].Blocks[0].Data, "0000000000"))
}

func TestCardKeys(t *testing.T) {
	img := buildImage(Layout1K, testUID, func(s int) sectorSpec {
		sp := transportSector()
		if s == 4 {
			sp.keyA = keySecretA
		}
		return sp
	})
	card, _ := readImage(t, newTestReader(keys.NewWellKnown()), img)

	ck := card.CardKeys("learned")
	assert.Equal(t, testUID, ck.UID)
	assert.Len(t, ck.Keys, 15)
	assert.Empty(t, ck.SectorKeys(4))
	got := ck.Candidates(0, keys.KeyTypeA, testUID)
	require.Len(t, got, 1)
	assert.Equal(t, keyFF, got[0].Key)
	assert.Empty(t, ck.Candidates(0, keys.KeyTypeA, []byte{1, 2, 3, 4}))
}
