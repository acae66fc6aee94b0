package crated

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/spectrumdaq/crated/plx"
)

// settingsMetadata records which module a settings document was saved
// from. On import a mismatch is only warned about: files move between
// crates.
type settingsMetadata struct {
	Number   int       `json:"number"`
	Slot     int       `json:"slot"`
	Serial   int       `json:"serial"`
	Revision string    `json:"revision"`
	Firmware string    `json:"firmware,omitempty"`
	Saved    time.Time `json:"saved"`
}

// moduleSettings is one module's document in a settings file: writable
// module variables by name, per-channel variables as arrays.
type moduleSettings struct {
	Metadata settingsMetadata `json:"metadata"`
	Module   map[string]any   `json:"module"`
	Channel  map[string]any   `json:"channel"`
}

// ExportSettings writes the crate's settings as a JSON array with one
// document per module, in module number order. Offline modules are
// skipped. Values come from the host-side caches, so export after a sync
// if hardware was touched directly.
func (c *Crate) ExportSettings(w io.Writer) error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if !c.ready {
		return crateError(ErrCrateNotReady, "export settings", "initialize the crate first")
	}
	now := time.Now()
	docs := make([]moduleSettings, 0, len(c.modules))
	for _, m := range c.modules {
		if reason, off := c.offline[m]; off {
			log.Printf("settings: %s: offline (%s), not exported", m.label(), reason)
			continue
		}
		doc, err := exportModule(m, now)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	b, err := json.MarshalIndent(docs, "", "    ")
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n"))
	return err
}

func exportModule(m *Module, now time.Time) (moduleSettings, error) {
	doc := moduleSettings{
		Metadata: settingsMetadata{
			Number:   m.Number,
			Slot:     m.Slot,
			Serial:   m.Serial,
			Revision: plx.RevisionTag(m.Revision),
			Saved:    now,
		},
		Module:  make(map[string]any),
		Channel: make(map[string]any),
	}
	if fw := m.Firmware(); fw != nil {
		doc.Metadata.Firmware = fw.Tag
	}
	for _, spec := range m.ModuleVarDescriptors() {
		if spec.ReadOnly {
			continue
		}
		words, err := readVarWords(m, spec.Name, spec.Length)
		if err != nil {
			return doc, err
		}
		if spec.Length == 1 {
			doc.Module[spec.Name] = words[0]
		} else {
			doc.Module[spec.Name] = words
		}
	}
	for _, spec := range m.ChannelVarDescriptors() {
		if spec.ReadOnly {
			continue
		}
		words, err := readVarWords(m, spec.Name, m.NumChannels)
		if err != nil {
			return doc, err
		}
		doc.Channel[spec.Name] = words
	}
	return doc, nil
}

func readVarWords(m *Module, name string, n int) ([]uint32, error) {
	words := make([]uint32, n)
	for i := range words {
		v, err := m.ReadVar(name, i, false)
		if err != nil {
			return nil, err
		}
		words[i] = v
	}
	return words, nil
}

// ImportSettings loads a settings file into the crate. Documents apply to
// modules positionally; a file can be shorter or longer than the crate,
// with the mismatch logged. Unknown and read-only variables are skipped
// with a warning, short arrays extend by repeating from index 0, and the
// identity variables are pinned from hardware regardless of the file.
// Each module's cache is synced to hardware and its offset DACs pushed
// before the next module loads.
func (c *Crate) ImportSettings(r io.Reader) error {
	c.guard.Lock()
	defer c.guard.Unlock()
	if err := c.requireReadyIdleLocked("import settings"); err != nil {
		return err
	}
	var docs []moduleSettings
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return crateError(ErrConfigFormatError, "import settings", "parse: %v", err)
	}
	for i, m := range c.modules {
		if reason, off := c.offline[m]; off {
			log.Printf("settings: %s: offline (%s), skipped", m.label(), reason)
			continue
		}
		if i >= len(docs) {
			log.Printf("settings: %s: no document in file, keeping current settings", m.label())
			continue
		}
		if err := importModule(m, &docs[i]); err != nil {
			return err
		}
	}
	if len(docs) > len(c.modules) {
		log.Printf("settings: file holds %d documents for %d modules, extras ignored",
			len(docs), len(c.modules))
	}
	return nil
}

func importModule(m *Module, doc *moduleSettings) error {
	if doc.Metadata.Serial != 0 && doc.Metadata.Serial != m.Serial {
		log.Printf("settings: %s: document saved from serial %d, this module is serial %d",
			m.label(), doc.Metadata.Serial, m.Serial)
	}
	specs := make(map[string]plx.VarSpec)
	for _, spec := range m.ModuleVarDescriptors() {
		specs[spec.Name] = spec
	}
	for name, v := range doc.Module {
		spec, ok := specs[name]
		if !ok {
			log.Printf("settings: %s: unknown module variable %q ignored", m.label(), name)
			continue
		}
		if spec.ReadOnly {
			continue
		}
		if err := applyVar(m, name, v, spec.Length); err != nil {
			return err
		}
	}
	specs = make(map[string]plx.VarSpec)
	for _, spec := range m.ChannelVarDescriptors() {
		specs[spec.Name] = spec
	}
	for name, v := range doc.Channel {
		spec, ok := specs[name]
		if !ok {
			log.Printf("settings: %s: unknown channel variable %q ignored", m.label(), name)
			continue
		}
		if spec.ReadOnly {
			continue
		}
		if err := applyVar(m, name, v, m.NumChannels); err != nil {
			return err
		}
	}
	// The file never overrides who and where this module is.
	if err := m.WriteVar("SlotID", uint32(m.Slot), 0, false); err != nil {
		return err
	}
	if err := m.WriteVar("ModNum", uint32(m.Number), 0, false); err != nil {
		return err
	}
	if err := m.SyncVars(); err != nil {
		return err
	}
	return m.SetDACs()
}

// applyVar writes one variable's words to the module cache, repeating the
// file's values from index 0 when it holds fewer than the variable needs.
func applyVar(m *Module, name string, v any, n int) error {
	words, err := settingsWords(v)
	if err != nil {
		return crateError(ErrConfigFormatError, "import settings",
			"%s: variable %s: %v", m.label(), name, err)
	}
	if len(words) > n {
		log.Printf("settings: %s: variable %s holds %d values, using the first %d",
			m.label(), name, len(words), n)
	}
	for idx := 0; idx < n; idx++ {
		if err := m.WriteVar(name, words[idx%len(words)], idx, false); err != nil {
			return err
		}
	}
	return nil
}

func settingsWords(v any) ([]uint32, error) {
	switch x := v.(type) {
	case float64:
		w, err := settingsWord(x)
		if err != nil {
			return nil, err
		}
		return []uint32{w}, nil
	case []any:
		if len(x) == 0 {
			return nil, fmt.Errorf("empty array")
		}
		out := make([]uint32, len(x))
		for i, e := range x {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want a number", i, e)
			}
			w, err := settingsWord(f)
			if err != nil {
				return nil, fmt.Errorf("element %d: %v", i, err)
			}
			out[i] = w
		}
		return out, nil
	}
	return nil, fmt.Errorf("value is %T, want a number or array of numbers", v)
}

func settingsWord(f float64) (uint32, error) {
	if f != math.Trunc(f) || f < 0 || f > math.MaxUint32 {
		return 0, fmt.Errorf("%v does not fit a 32-bit word", f)
	}
	return uint32(f), nil
}

// SaveSettings writes the crate settings to a file.
func (c *Crate) SaveSettings(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.ExportSettings(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadSettings reads a settings file into the crate.
func (c *Crate) LoadSettings(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.ImportSettings(f)
}
