package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oo-developer/cardreader/classic"
	"github.com/oo-developer/cardreader/database"
	"github.com/oo-developer/cardreader/hardware"
	"github.com/oo-developer/cardreader/iso7816"
	"github.com/oo-developer/cardreader/keys"
	"github.com/oo-developer/cardreader/keystore"
	"github.com/sirupsen/logrus"
)

const learnedBundle = "learned"

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// openStore opens the configured key store, or returns nil when none is
// configured.
func (a *app) openStore(path string) (*keystore.Store, error) {
	if path == "" {
		return nil, nil
	}
	return keystore.Open(keystore.Config{Path: path, Logger: a.log})
}

// buildKeyring assembles the key sources in the order they are consulted.
// Ordering between kinds is done by the keyring itself.
func (a *app) buildKeyring(store *keystore.Store, dirs, files []string, wellKnown bool) (*keys.Keyring, error) {
	ring := keys.NewKeyring()
	if store != nil {
		ring.Add(store)
	}
	for _, path := range files {
		src, err := keys.LoadFile(path)
		if err != nil {
			return nil, err
		}
		ring.Add(src)
	}
	for _, dir := range dirs {
		srcs, err := keys.LoadDir(dir, a.log)
		if err != nil {
			// broken files were logged and skipped
			a.log.WithError(err).WithField("dir", dir).Warn("some key files could not be loaded")
		}
		ring.Add(srcs...)
	}
	if wellKnown {
		ring.Add(keys.NewWellKnown())
	}
	a.log.WithField("sources", ring.Len()).Debug("key sources loaded")
	return ring, nil
}

// termFeedback draws a one line progress indicator.
type termFeedback struct {
	w      io.Writer
	status string
}

func (f *termFeedback) UpdateStatus(msg string) {
	f.status = msg
}

func (f *termFeedback) UpdateProgress(current, max int) {
	if max <= 0 {
		return
	}
	fmt.Fprintf(f.w, "\r[..] %-26s %3d%%", f.status, current*100/max)
}

func (a *app) cmdRead(ctx context.Context, args []string) error {
	fs := a.flagSet("read")
	image := fs.String("image", "", "read a raw card image instead of a reader")
	var keyDirs, keyFiles stringList
	fs.Var(&keyDirs, "keys", "key directory, repeatable")
	fs.Var(&keyFiles, "keyfile", "key file, repeatable")
	readerIndex := fs.Int("reader", -1, "reader index, overrides the config")
	out := fs.String("o", "", "write the card JSON to this file instead of stdout")
	hideUID := fs.Bool("hide-uid", a.cfg.Output.HideUID, "omit the card UID from the output")
	learn := fs.Bool("learn", a.cfg.Store.Learn, "store recovered keys in the key store")
	noWellKnown := fs.Bool("no-well-known", !*a.cfg.Keys.WellKnown, "do not try well-known keys")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	if *learn && store == nil {
		return errors.New("-learn needs store.path in the config")
	}

	ring, err := a.buildKeyring(store,
		append(append([]string(nil), a.cfg.Keys.Dirs...), keyDirs...),
		append(append([]string(nil), a.cfg.Keys.Files...), keyFiles...),
		!*noWellKnown)
	if err != nil {
		return err
	}

	rc := a.cfg.ReaderConfig()
	rc.Keys = ring
	rc.Logger = a.log
	var progress *termFeedback
	if isTerminal(a.stderr) {
		progress = &termFeedback{w: a.stderr}
		rc.Feedback = progress
	}
	reader := classic.NewReader(rc)

	var card *classic.Card
	if *image != "" {
		card, err = a.readImage(ctx, reader, *image)
	} else {
		index := *a.cfg.Reader.Index
		if *readerIndex >= 0 {
			index = *readerIndex
		}
		card, err = a.readHardware(ctx, reader, index)
	}
	if progress != nil {
		fmt.Fprintln(a.stderr)
	}
	if err != nil {
		return err
	}

	if *learn {
		if err := store.Merge(card.CardKeys(learnedBundle)); err != nil {
			return err
		}
	}

	opts := a.cfg.ExportOptions()
	opts.HideUID = *hideUID
	data, err := card.Export(opts)
	if err != nil {
		return err
	}
	if *out != "" {
		return os.WriteFile(*out, append(data, '\n'), 0o644)
	}
	_, err = fmt.Fprintln(a.stdout, string(data))
	return err
}

func (a *app) readImage(ctx context.Context, reader *classic.Reader, path string) (*classic.Card, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	vc, err := classic.NewVirtualCard(img)
	if err != nil {
		return nil, err
	}
	return reader.ReadCard(ctx, vc, vc.TagID(), vc.Layout())
}

// connect selects reader index, waits for a card and identifies it.
func (a *app) connect(ctx context.Context, index int) (*hardware.Reader, error) {
	hw, err := hardware.NewReader(a.log)
	if err != nil {
		return nil, err
	}
	readers, err := hw.ListReaders()
	if err != nil {
		hw.Close()
		return nil, err
	}
	if len(readers) == 0 {
		hw.Close()
		return nil, fmt.Errorf("no readers detected")
	}
	name, err := selectReader(readers, a.cfg.Reader.Name, index)
	if err != nil {
		hw.Close()
		return nil, err
	}
	hw.UseReader(name)
	a.log.WithField("reader", name).Info("waiting for card")
	if err := hw.WaitForCard(ctx); err != nil {
		hw.Close()
		return nil, err
	}
	if err := hw.Connect(); err != nil {
		hw.Close()
		return nil, err
	}
	return hw, nil
}

// selectReader prefers the first reader whose name contains want, and falls
// back to the reader at index.
func selectReader(readers []string, want string, index int) (string, error) {
	if want != "" {
		for _, r := range readers {
			if strings.Contains(r, want) {
				return r, nil
			}
		}
	}
	if index < 0 || index >= len(readers) {
		return "", fmt.Errorf("reader index %d out of range (0..%d)", index, len(readers)-1)
	}
	return readers[index], nil
}

func (a *app) readHardware(ctx context.Context, reader *classic.Reader, index int) (*classic.Card, error) {
	hw, err := a.connect(ctx, index)
	if err != nil {
		return nil, err
	}
	defer hw.Close()

	info := hw.CardInfo()
	if !info.Classic {
		return nil, fmt.Errorf("card is not MIFARE Classic: %s", info.Type)
	}
	return reader.ReadCard(ctx, hw, info.UID, info.Layout)
}

func (a *app) cmdInfo(ctx context.Context, args []string) error {
	fs := a.flagSet("info")
	readerIndex := fs.Int("reader", *a.cfg.Reader.Index, "reader index")
	listPath := fs.String("smartcard-list", a.cfg.Reader.SmartcardList, "path to smartcard_list.txt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	hw, err := a.connect(ctx, *readerIndex)
	if err != nil {
		return err
	}
	defer hw.Close()

	info := hw.CardInfo()
	fmt.Fprintf(a.stdout, "[OK] Reader: %s\n", hw.Reader())
	fmt.Fprintf(a.stdout, "[OK] Card UID: %s\n", hex.EncodeToString(info.UID))
	fmt.Fprintf(a.stdout, "[OK] Card type: %s\n", info.Type)
	fmt.Fprintf(a.stdout, "[OK] Protocol: %s\n", info.Protocol)
	fmt.Fprintf(a.stdout, "[OK] ATR: %s\n", hex.EncodeToString(info.ATR))
	if info.Classic {
		fmt.Fprintf(a.stdout, "[OK] Layout: %s (%d sectors, %d blocks)\n", info.Layout.Name, info.Layout.Sectors, info.Layout.BlockCount())
	}
	if atr, err := iso7816.ParseATR(info.ATR); err == nil {
		printATR(a.stdout, atr)
	}

	db := database.NewCardDatabase()
	if *listPath != "" {
		err = db.LoadFromFile(*listPath)
	} else {
		_, err = db.LoadWithProbe()
	}
	if err != nil {
		a.log.WithError(err).Debug("no smartcard list")
		return nil
	}
	if entry, ok := db.Detect(info.ATR); ok {
		for _, d := range entry.Descriptions {
			fmt.Fprintf(a.stdout, "     %s\n", d)
		}
	}
	return nil
}

func printATR(w io.Writer, atr *iso7816.ATR) {
	fmt.Fprintf(w, "     protocols: %v\n", atr.Protocols)
	if atr.PCSC != nil {
		fmt.Fprintf(w, "     PC/SC standard %02x, card name %04x (%s)\n", atr.PCSC.Standard, atr.PCSC.CardName, atr.PCSC.Name())
	}
	if atr.CardServiceData != nil {
		fmt.Fprintf(w, "     card service data: %02x\n", *atr.CardServiceData)
	}
	if atr.PreIssuingData != nil {
		fmt.Fprintf(w, "     pre-issuing data: %s\n", hex.EncodeToString(atr.PreIssuingData))
	}
	if atr.StatusIndicator != nil {
		fmt.Fprintf(w, "     status indicator: %s\n", hex.EncodeToString(atr.StatusIndicator))
	}
}

func (a *app) cmdKeyHash(_ context.Context, args []string) error {
	fs := a.flagSet("keyhash")
	salt := fs.String("salt", "", "salt the hashes were published with")
	keyHex := fs.String("key", "", "key to hash, 12 hex digits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *salt == "" || *keyHex == "" {
		return fmt.Errorf("keyhash needs -salt and -key")
	}
	key, err := keys.ParseKey(*keyHex)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		_, err = fmt.Fprintln(a.stdout, keys.KeyHash(key, *salt))
		return err
	}
	_, err = fmt.Fprintln(a.stdout, keys.CheckKeyHash(key, *salt, fs.Args()...))
	return err
}

func (a *app) cmdTLV(_ context.Context, args []string) error {
	fs := a.flagSet("tlv")
	mode := fs.String("mode", "ber", "encoding: ber, simple, compact, dol or atr")
	path := fs.String("path", "", "BER tag path inside the outer element, e.g. a5/bf0c")
	anywhere := fs.Bool("anywhere", false, "match the path at any depth")
	if err := fs.Parse(args); err != nil {
		return err
	}
	buf, err := hex.DecodeString(strings.ReplaceAll(strings.Join(fs.Args(), ""), " ", ""))
	if err != nil {
		return fmt.Errorf("invalid hex input: %w", err)
	}

	switch *mode {
	case "ber":
		if *path == "" {
			printBER(a.stdout, buf, 0)
			return nil
		}
		tags, err := iso7816.ParseTagPath(*path)
		if err != nil {
			return err
		}
		value, ok := iso7816.FindBERTLV(buf, tags, *anywhere)
		if !ok {
			return fmt.Errorf("tag path %s not found", *path)
		}
		fmt.Fprintln(a.stdout, hex.EncodeToString(value))
	case "simple":
		for tag, value := range iso7816.SimpleTLVIterate(buf) {
			fmt.Fprintf(a.stdout, "%02x: %s\n", tag, hex.EncodeToString(value))
		}
	case "compact":
		for tag, value := range iso7816.CompactTLVIterate(buf) {
			fmt.Fprintf(a.stdout, "%x: %s\n", tag, hex.EncodeToString(value))
		}
	case "dol":
		for tag, n := range iso7816.DOLIterate(buf) {
			fmt.Fprintf(a.stdout, "%s: %d\n", tag, n)
		}
	case "atr":
		atr, err := iso7816.ParseATR(buf)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "historical bytes: %s\n", hex.EncodeToString(atr.Historical))
		printATR(a.stdout, atr)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
	return nil
}

// printBER prints buf as a tree, descending into constructed elements.
func printBER(w io.Writer, buf []byte, depth int) {
	indent := strings.Repeat("  ", depth)
	for tlv := range iso7816.BERIterate(buf) {
		if tlv.Tag.Constructed() && depth < 16 {
			fmt.Fprintf(w, "%s%s:\n", indent, tlv.Tag)
			printBER(w, tlv.Value, depth+1)
			continue
		}
		fmt.Fprintf(w, "%s%s: %s\n", indent, tlv.Tag, hex.EncodeToString(tlv.Value))
	}
}

func (a *app) cmdImportKeys(_ context.Context, args []string) error {
	fs := a.flagSet("import-keys")
	storePath := fs.String("store", a.cfg.Store.Path, "key store directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storePath == "" {
		return fmt.Errorf("import-keys needs -store or store.path in the config")
	}
	store, err := a.openStore(*storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var errs []error
	imported := 0
	for _, path := range fs.Args() {
		src, err := keys.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ck, ok := src.(*keys.CardKeys)
		if !ok || len(ck.UID) == 0 {
			errs = append(errs, fmt.Errorf("%s: only per-card key files with a uid can be imported", filepath.Base(path)))
			continue
		}
		if err := store.Merge(ck); err != nil {
			errs = append(errs, err)
			continue
		}
		imported++
		a.log.WithFields(logrus.Fields{"path": path, "keys": len(ck.Keys)}).Info("imported card keys")
	}
	fmt.Fprintf(a.stdout, "[OK] Imported %d of %d key files\n", imported, fs.NArg())
	return errors.Join(errs...)
}
