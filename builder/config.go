package builder

type Config struct {
	ListenAddr           string `toml:",omitempty"`
	BlockTimeMs          uint64 `toml:",omitempty"`
	FlashblockTimeMs     uint64 `toml:",omitempty"`
	MeteringEnabled      bool   `toml:",omitempty"`
	EnforceMetering      bool   `toml:",omitempty"`
	MeteringBufferSize   int    `toml:",omitempty"`
	BackrunStoreSize     int    `toml:",omitempty"`
	TxDALimit            uint64 `toml:",omitempty"`
	BlockDALimit         uint64 `toml:",omitempty"`
	DAFootprintLimit     uint64 `toml:",omitempty"`
	DAFootprintGasScalar uint16 `toml:",omitempty"`
	DACompressionLevel   int    `toml:",omitempty"`
	SimCacheSize         int    `toml:",omitempty"`
	SimConcurrency       int    `toml:",omitempty"`
	AuditBufferSize      int    `toml:",omitempty"`
	DisableBundleFetcher bool   `toml:",omitempty"`
	PostgresDSN          string `toml:",omitempty"`
}

// DefaultConfig is the default config for the builder. Zero DA limits mean
// unlimited.
var DefaultConfig = Config{
	ListenAddr:           ":28545",
	BlockTimeMs:          2000,
	FlashblockTimeMs:     250,
	MeteringEnabled:      false,
	EnforceMetering:      false,
	MeteringBufferSize:   10_000,
	BackrunStoreSize:     10_000,
	TxDALimit:            0,
	BlockDALimit:         0,
	DAFootprintLimit:     0,
	DAFootprintGasScalar: 0,
	DACompressionLevel:   10,
	SimCacheSize:         16384,
	SimConcurrency:       8,
	AuditBufferSize:      1024,
	DisableBundleFetcher: false,
	PostgresDSN:          "",
}

func optionalUint64(v uint64) *uint64 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalUint16(v uint16) *uint16 {
	if v == 0 {
		return nil
	}
	return &v
}
