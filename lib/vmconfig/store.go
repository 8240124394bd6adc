package vmconfig

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

// Version is the schema version written by Serialize. Deserialize rejects
// anything newer.
const Version = 1

const (
	keyVersion           = "version"
	keyAPKPath           = "apkPath"
	keyCerts             = "certs"
	keyPayloadConfigPath = "payloadConfigPath"
	keyDebugLevel        = "debugLevel"
	keyProtectedVM       = "protectedVm"
	keyMemoryMiB         = "memoryMib"
	keyNumCPUs           = "numCpus"
	keyCPUAffinity       = "cpuAffinity"
)

const (
	typeInt         = "int"
	typeString      = "string"
	typeBoolean     = "boolean"
	typeStringArray = "string-array"
)

// bundle is a typed key-value document:
//
//	<bundle>
//	  <int name="version" value="1" />
//	  <string name="apkPath">/path/base.apk</string>
//	  <string-array name="certs" num="1"><item value="3082..." /></string-array>
//	</bundle>
type bundle struct {
	XMLName xml.Name      `xml:"bundle"`
	Entries []bundleEntry `xml:",any"`
}

type bundleEntry struct {
	XMLName xml.Name
	Name    string       `xml:"name,attr"`
	Value   string       `xml:"value,attr,omitempty"`
	Num     string       `xml:"num,attr,omitempty"`
	Text    string       `xml:",chardata"`
	Items   []bundleItem `xml:"item"`
}

type bundleItem struct {
	Value string `xml:"value,attr"`
}

func intEntry(name string, v int) bundleEntry {
	return bundleEntry{XMLName: xml.Name{Local: typeInt}, Name: name, Value: strconv.Itoa(v)}
}

func stringEntry(name, v string) bundleEntry {
	return bundleEntry{XMLName: xml.Name{Local: typeString}, Name: name, Text: v}
}

func boolEntry(name string, v bool) bundleEntry {
	return bundleEntry{XMLName: xml.Name{Local: typeBoolean}, Name: name, Value: strconv.FormatBool(v)}
}

func stringArrayEntry(name string, vs []string) bundleEntry {
	items := make([]bundleItem, len(vs))
	for i, v := range vs {
		items[i] = bundleItem{Value: v}
	}
	return bundleEntry{
		XMLName: xml.Name{Local: typeStringArray},
		Name:    name,
		Num:     strconv.Itoa(len(vs)),
		Items:   items,
	}
}

// storable reports whether s survives an XML round trip unchanged: valid
// UTF-8 made only of characters XML 1.0 allows, minus CR which parsers
// normalize to LF.
func storable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n':
		case r >= 0x20 && r <= 0xD7FF:
		case r >= 0xE000 && r <= 0xFFFD:
		case r >= 0x10000 && r <= utf8.MaxRune:
		default:
			return false
		}
	}
	return true
}

// Serialize writes cfg as a version 1 bundle. Certificates are hex encoded.
// Paths that cannot be stored losslessly are rejected with ErrInvalidConfig.
func Serialize(cfg *Config, w io.Writer) error {
	for key, v := range map[string]string{keyAPKPath: cfg.apkPath, keyPayloadConfigPath: cfg.payloadConfigPath} {
		if !storable(v) {
			return fmt.Errorf("%w: %s %q is not storable", ErrInvalidConfig, key, v)
		}
	}

	certs := make([]string, len(cfg.certs))
	for i, c := range cfg.certs {
		certs[i] = hex.EncodeToString(c)
	}

	b := bundle{Entries: []bundleEntry{
		intEntry(keyVersion, Version),
		stringEntry(keyAPKPath, cfg.apkPath),
		stringArrayEntry(keyCerts, certs),
		stringEntry(keyPayloadConfigPath, cfg.payloadConfigPath),
		intEntry(keyDebugLevel, int(cfg.debugLevel)),
		boolEntry(keyProtectedVM, cfg.protectedVM),
		intEntry(keyNumCPUs, cfg.numCPUs),
	}}
	if cfg.memoryMiB > 0 {
		b.Entries = append(b.Entries, intEntry(keyMemoryMiB, cfg.memoryMiB))
	}
	if cfg.cpuAffinity != "" {
		b.Entries = append(b.Entries, stringEntry(keyCPUAffinity, cfg.cpuAffinity))
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Deserialize reads a bundle written by Serialize. Absent required fields
// yield ErrMissingField; everything else unreadable yields ErrMalformed.
func Deserialize(r io.Reader) (*Config, error) {
	var b bundle
	if err := xml.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	entries := make(map[string]bundleEntry, len(b.Entries))
	for _, e := range b.Entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: <%s> entry without name", ErrMalformed, e.XMLName.Local)
		}
		if _, dup := entries[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrMalformed, e.Name)
		}
		entries[e.Name] = e
	}
	d := decoder{entries: entries}

	version, ok, err := d.getInt(keyVersion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no %s", ErrMalformed, keyVersion)
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: %s %d", ErrMalformed, keyVersion, version)
	}
	if version > Version {
		return nil, fmt.Errorf("%w: %d (newest understood is %d)", ErrUnsupportedVersion, version, Version)
	}

	cfg := &Config{debugLevel: DebugLevelNone, numCPUs: 1}

	if cfg.apkPath, err = d.requiredString(keyAPKPath); err != nil {
		return nil, err
	}
	if cfg.payloadConfigPath, err = d.requiredString(keyPayloadConfigPath); err != nil {
		return nil, err
	}

	certs, ok, err := d.getStringArray(keyCerts)
	if err != nil {
		return nil, err
	}
	if !ok || len(certs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, keyCerts)
	}
	for i, s := range certs {
		c, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrMalformed, keyCerts, i, err)
		}
		cfg.certs = append(cfg.certs, c)
	}

	if v, ok, err := d.getInt(keyDebugLevel); err != nil {
		return nil, err
	} else if ok {
		cfg.debugLevel = DebugLevel(v)
		if !cfg.debugLevel.valid() {
			return nil, fmt.Errorf("%w: %s %d", ErrMalformed, keyDebugLevel, v)
		}
	}
	if v, ok, err := d.getBool(keyProtectedVM); err != nil {
		return nil, err
	} else if ok {
		cfg.protectedVM = v
	}
	if v, ok, err := d.getInt(keyNumCPUs); err != nil {
		return nil, err
	} else if ok {
		if v < 1 {
			return nil, fmt.Errorf("%w: %s %d", ErrMalformed, keyNumCPUs, v)
		}
		cfg.numCPUs = v
	}
	if v, ok, err := d.getInt(keyMemoryMiB); err != nil {
		return nil, err
	} else if ok && v > 0 {
		cfg.memoryMiB = v
	}
	if v, ok, err := d.getString(keyCPUAffinity); err != nil {
		return nil, err
	} else if ok {
		if err := ValidateCPUAffinity(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cfg.cpuAffinity = v
	}

	return cfg, nil
}

// decoder reads typed values from a bundle's entries.
type decoder struct {
	entries map[string]bundleEntry
}

func (d decoder) lookup(key, typ string) (bundleEntry, bool, error) {
	e, ok := d.entries[key]
	if !ok {
		return bundleEntry{}, false, nil
	}
	if e.XMLName.Local != typ {
		return bundleEntry{}, false, fmt.Errorf("%w: %s is <%s>, want <%s>", ErrMalformed, key, e.XMLName.Local, typ)
	}
	return e, true, nil
}

func (d decoder) getInt(key string) (int, bool, error) {
	e, ok, err := d.lookup(key, typeInt)
	if !ok || err != nil {
		return 0, ok, err
	}
	v, err := strconv.Atoi(e.Value)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return v, true, nil
}

func (d decoder) getBool(key string) (bool, bool, error) {
	e, ok, err := d.lookup(key, typeBoolean)
	if !ok || err != nil {
		return false, ok, err
	}
	v, err := strconv.ParseBool(e.Value)
	if err != nil {
		return false, false, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return v, true, nil
}

func (d decoder) getString(key string) (string, bool, error) {
	e, ok, err := d.lookup(key, typeString)
	if !ok || err != nil {
		return "", ok, err
	}
	return e.Text, true, nil
}

func (d decoder) requiredString(key string) (string, error) {
	v, ok, err := d.getString(key)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	return v, nil
}

func (d decoder) getStringArray(key string) ([]string, bool, error) {
	e, ok, err := d.lookup(key, typeStringArray)
	if !ok || err != nil {
		return nil, ok, err
	}
	vs := make([]string, len(e.Items))
	for i, it := range e.Items {
		vs[i] = it.Value
	}
	if e.Num != "" {
		if n, err := strconv.Atoi(e.Num); err != nil || n != len(vs) {
			return nil, false, fmt.Errorf("%w: %s declares %s items, has %d", ErrMalformed, key, e.Num, len(vs))
		}
	}
	return vs, true, nil
}
