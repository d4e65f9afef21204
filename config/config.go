// Package config finds and merges the offload configuration files and turns
// the per-system sections into resource catalogs.
//
// Config dirs are named .offload or _offload. With OFFLOAD_ROOT unset or "@",
// every config dir from the working directory up to $HOME (or / when the working
// directory is not below $HOME) is used, shallowest first, so deeper files override
// shallower ones. Each dir may hold config.json, config.yaml or config.yml. A leaf
// value of "_DELETE_" removes the key from what shallower files set.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	oerrors "github.com/twitter/offload/common/errors"
)

const (
	DotDir   = ".offload"
	UnderDir = "_offload"

	// DeleteValue as a leaf value removes the key.
	DeleteValue = "_DELETE_"

	DBFile = "jobs.db"
)

// ErrNoConfig is returned when none of the config dirs holds a config file.
var ErrNoConfig = errors.New("no offload config file found")

var configFiles = []struct {
	name   string
	parser koanf.Parser
}{
	{"config.json", kjson.Parser()},
	{"config.yaml", yaml.Parser()},
	{"config.yml", yaml.Parser()},
}

// Config is the merged configuration. It is not modified after Load returns.
type Config struct {
	// Dirs are the config dirs that were read, shallowest first.
	Dirs []string
	// StageDir holds the job database and the per-job stage dirs.
	StageDir string
	// RundirExtra is appended to every remote rundir to keep projects apart.
	RundirExtra string
	Systems     map[string]System
}

// DBPath is where the job database lives.
func (c *Config) DBPath() string {
	return filepath.Join(c.StageDir, DBFile)
}

// SystemNames returns the configured system names, sorted.
func (c *Config) SystemNames() []string {
	names := make([]string, 0, len(c.Systems))
	for n := range c.Systems {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Config) System(name string) (System, error) {
	s, ok := c.Systems[name]
	if !ok {
		return System{}, oerrors.NewValidationError("unknown system %q, have %v", name, c.SystemNames())
	}
	return s, nil
}

// Load reads the configuration selected by root: SearchRoot ("@") or empty
// searches from the working directory, anything else names the single config dir.
func Load(root string) (*Config, error) {
	var dirs []string
	if root == "" || root == SearchRoot {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		home, _ := os.UserHomeDir()
		if dirs, err = SearchDirs(cwd, home); err != nil {
			return nil, err
		}
	} else {
		fi, err := os.Stat(root)
		if err != nil || !fi.IsDir() {
			return nil, oerrors.NewValidationError("offload root %s is not a directory", root)
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		dirs = []string{abs}
	}
	return LoadDirs(dirs)
}

// SearchDirs walks from start up to home (or /), collecting config dirs. The
// result is ordered shallowest first. A directory holding both .offload and
// _offload is an error.
func SearchDirs(start, home string) ([]string, error) {
	cur, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}
	if home != "" {
		if home, err = filepath.Abs(home); err != nil {
			return nil, err
		}
	}
	var found []string
	for {
		dot, under := filepath.Join(cur, DotDir), filepath.Join(cur, UnderDir)
		hasDot, hasUnder := isDir(dot), isDir(under)
		switch {
		case hasDot && hasUnder:
			return nil, oerrors.NewValidationError("found both %s and %s in %s", DotDir, UnderDir, cur)
		case hasDot:
			found = append(found, dot)
		case hasUnder:
			found = append(found, under)
		}
		parent := filepath.Dir(cur)
		if parent == cur || cur == home {
			break
		}
		cur = parent
	}
	for i, j := 0, len(found)-1; i < j; i, j = i+1, j-1 {
		found[i], found[j] = found[j], found[i]
	}
	return found, nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// LoadDirs merges the config files of dirs, in order, and decodes the result.
func LoadDirs(dirs []string) (*Config, error) {
	base := koanf.New(".")
	loaded := 0
	for _, dir := range dirs {
		for _, cf := range configFiles {
			path := filepath.Join(dir, cf.name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			layer := koanf.New(".")
			if err := layer.Load(file.Provider(path), cf.parser); err != nil {
				return nil, errors.Wrapf(err, "loading %s", path)
			}
			applyDeletes(base, layer)
			if err := base.Merge(layer); err != nil {
				return nil, errors.Wrapf(err, "merging %s", path)
			}
			log.Debugf("merged config %s", path)
			loaded++
		}
	}
	if loaded == 0 {
		return nil, errors.Wrapf(ErrNoConfig, "searched %v", dirs)
	}

	stageDir := base.String("local_stage_dir")
	if stageDir == "" {
		stageDir = dirs[len(dirs)-1]
	}
	c := &Config{
		Dirs:        dirs,
		StageDir:    stageDir,
		RundirExtra: rundirExtra(stageDir),
		Systems:     map[string]System{},
	}

	var raw map[string]rawSystem
	if err := base.Unmarshal("systems", &raw); err != nil {
		return nil, errors.Wrap(err, "decoding systems")
	}
	for name, rs := range raw {
		s, err := rs.resolve(name)
		if err != nil {
			return nil, err
		}
		c.Systems[name] = s
	}
	return c, nil
}

// applyDeletes removes every key whose value in layer is DeleteValue from both
// base and layer, so that the following merge does not put it back.
func applyDeletes(base, layer *koanf.Koanf) {
	for key, v := range layer.All() {
		if s, ok := v.(string); ok && s == DeleteValue {
			base.Delete(key)
			layer.Delete(key)
		}
	}
}

// rundirExtra is "<host>-<project dir>" with slashes flattened. The project dir is
// the parent of the stage dir when the stage dir is a config dir itself.
func rundirExtra(stageDir string) string {
	project := stageDir
	if b := filepath.Base(stageDir); b == DotDir || b == UnderDir {
		project = filepath.Dir(stageDir)
	}
	host := os.Getenv("HOSTNAME")
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "unknownhost"
		}
	}
	return host + "-" + strings.ReplaceAll(project, "/", "_")
}

// rawSystem is a system section as written in the files. Partitions may be a map
// keyed by class name or a list of objects carrying a "name".
type rawSystem struct {
	Host            string      `koanf:"host"`
	RemoteShell     string      `koanf:"remsh_cmd"`
	Scheduler       string      `koanf:"scheduler"`
	Partitions      interface{} `koanf:"partitions"`
	Queues          interface{} `koanf:"queues"`
	Header          []string    `koanf:"header"`
	NoDefaultHeader bool        `koanf:"no_default_header"`
	Commands        []string    `koanf:"commands"`
	PreSubmitCmds   []string    `koanf:"pre_submit_cmds"`
	Rundir          string      `koanf:"rundir"`
	ScriptExec      string      `koanf:"script_exec"`
	Runner          string      `koanf:"runner"`
}

func (rs rawSystem) resolve(name string) (System, error) {
	s := System{
		Name:            name,
		Host:            rs.Host,
		RemoteShell:     rs.RemoteShell,
		Scheduler:       rs.Scheduler,
		Header:          rs.Header,
		NoDefaultHeader: rs.NoDefaultHeader,
		Commands:        rs.Commands,
		PreSubmitCmds:   rs.PreSubmitCmds,
		Rundir:          rs.Rundir,
		ScriptExec:      rs.ScriptExec,
		Runner:          rs.Runner,
	}
	if s.Scheduler == "" {
		return s, oerrors.NewValidationError("system %s: scheduler is required", name)
	}
	parts := rs.Partitions
	if rs.Queues != nil {
		if parts != nil {
			return s, oerrors.NewValidationError("system %s has both partitions and queues", name)
		}
		parts = rs.Queues
	}
	defs, err := decodePartitions(name, parts)
	if err != nil {
		return s, err
	}
	s.Partitions = defs
	if _, err := s.Catalog(); err != nil {
		return s, err
	}
	return s, nil
}

func decodePartitions(system string, v interface{}) ([]Partition, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		names := make([]string, 0, len(p))
		for n := range p {
			names = append(names, n)
		}
		sort.Strings(names)
		defs := make([]Partition, 0, len(names))
		for _, n := range names {
			d, err := decodePartition(system, p[n])
			if err != nil {
				return nil, err
			}
			d.Name = n
			defs = append(defs, d)
		}
		return defs, nil
	case []interface{}:
		defs := make([]Partition, 0, len(p))
		for i, e := range p {
			d, err := decodePartition(system, e)
			if err != nil {
				return nil, err
			}
			if d.Name == "" {
				return nil, oerrors.NewValidationError("system %s: partition %d has no name", system, i)
			}
			defs = append(defs, d)
		}
		return defs, nil
	default:
		return nil, oerrors.NewValidationError("system %s: partitions must be a map or a list, got %T", system, v)
	}
}

func decodePartition(system string, v interface{}) (Partition, error) {
	var d Partition
	b, err := json.Marshal(v)
	if err != nil {
		return d, errors.Wrapf(err, "system %s: encoding partition", system)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, oerrors.NewValidationError("system %s: bad partition %s: %v", system, b, err)
	}
	return d, nil
}
