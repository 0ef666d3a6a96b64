package dbms

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/nova-kv/bptreedb/internal/recovery"
)

// Options configures a call to Open, the Go equivalent of the original
// source's init_db(num_buf, flag, log_num, log_path, logmsg_path) plus a
// data directory to resolve DATAn table names against. Grounded on the
// teacher's internal/config.go: a plain struct callers can build by hand,
// with an optional viper-backed loader for the YAML case.
type Options struct {
	NumBuf     int
	Flag       recovery.CrashPoint
	LogNum     int
	LogPath    string
	LogMsgPath string
	DataDir    string
}

// fileOptions mirrors the teacher's NovaSqlConfig: mapstructure tags over a
// plain YAML shape, with Flag spelled out as the original's NORMAL/
// REDO_CRASH/UNDO_CRASH strings rather than a bare int.
type fileOptions struct {
	NumBuf     int    `mapstructure:"num_buf"`
	Flag       string `mapstructure:"flag"`
	LogNum     int    `mapstructure:"log_num"`
	LogPath    string `mapstructure:"log_path"`
	LogMsgPath string `mapstructure:"logmsg_path"`
	DataDir    string `mapstructure:"data_dir"`
}

// LoadOptions reads a YAML config file into Options, following
// internal/config.go's LoadConfig shape (a fresh viper.New per call, so
// concurrent loads of different files never share global viper state).
func LoadOptions(path string) (*Options, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("dbms: read config: %w", err)
	}

	var fc fileOptions
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("dbms: unmarshal config: %w", err)
	}

	flag, err := parseCrashPoint(fc.Flag)
	if err != nil {
		return nil, err
	}

	return &Options{
		NumBuf:     fc.NumBuf,
		Flag:       flag,
		LogNum:     fc.LogNum,
		LogPath:    fc.LogPath,
		LogMsgPath: fc.LogMsgPath,
		DataDir:    fc.DataDir,
	}, nil
}

func parseCrashPoint(s string) (recovery.CrashPoint, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL":
		return recovery.Normal, nil
	case "REDO_CRASH":
		return recovery.RedoCrash, nil
	case "UNDO_CRASH":
		return recovery.UndoCrash, nil
	default:
		return 0, fmt.Errorf("dbms: unknown flag %q, want NORMAL/REDO_CRASH/UNDO_CRASH", s)
	}
}
