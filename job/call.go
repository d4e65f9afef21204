package job

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"

	oerrors "github.com/twitter/offload/common/errors"
	"github.com/twitter/offload/remote"
	"github.com/twitter/offload/resources"
)

// Call is a function call to run remotely.
type Call struct {
	// Name is the logical job name, part of the job id and of its stage dir.
	Name string
	// Function identifies what the runner calls, e.g. "mypkg.relax".
	Function string
	Args     []interface{}
	Kwargs   map[string]interface{}
	// InputFiles are globs copied into the stage dir. Relative ones keep their path
	// below the work dir, absolute ones land at the top of the stage dir.
	InputFiles []string
	// OutputFiles are globs, relative to the job dir, copied back into the work dir
	// once the job is done.
	OutputFiles []string
	// EnvVars are exported in the job script, either NAME=value or NAME, which takes
	// the value from the current environment.
	EnvVars         []string
	PreRunCommands  []string
	PostRunCommands []string
	HashIgnore      HashIgnore
}

// HashIgnore lists the arguments left out of the content hash, by position and by
// keyword. Nothing is left out by default.
type HashIgnore struct {
	Args   []int
	Kwargs []string
}

// Task is what the runner reads from the task file.
type Task struct {
	Function string                 `json:"function"`
	Args     []interface{}          `json:"args,omitempty"`
	Kwargs   map[string]interface{} `json:"kwargs,omitempty"`
}

func (c Call) task() Task {
	return Task{Function: c.Function, Args: c.Args, Kwargs: c.Kwargs}
}

// Names become part of paths and of remote globs.
var badNameRe = regexp.MustCompile(`[/\\\[\]{}*?\s]`)

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c Call) validate() error {
	if c.Name == "" || badNameRe.MatchString(c.Name) {
		return oerrors.NewValidationError("job name %q must be non-empty without '/', '\\', brackets, braces, globs or spaces", c.Name)
	}
	if c.Function == "" {
		return oerrors.NewValidationError("job %s has no function", c.Name)
	}
	for _, f := range c.InputFiles {
		if !filepath.IsAbs(f) && hasDotDot(f) {
			return oerrors.NewValidationError("input file %q: relative paths with '..' are not supported", f)
		}
	}
	for _, f := range c.OutputFiles {
		if filepath.IsAbs(f) || hasDotDot(f) {
			return oerrors.NewValidationError("output file %q must be relative to the job dir", f)
		}
	}
	return nil
}

func hasDotDot(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// envExports renders EnvVars as export lines.
func (c Call) envExports(lookup func(string) (string, bool)) ([]string, error) {
	var out []string
	for _, v := range c.EnvVars {
		name, value, ok := strings.Cut(v, "=")
		if !ok {
			if value, ok = lookup(name); !ok {
				return nil, oerrors.NewValidationError("env var %s is not set", name)
			}
		}
		if !envNameRe.MatchString(name) {
			return nil, oerrors.NewValidationError("bad env var name %q", name)
		}
		out = append(out, "export "+name+"="+remote.Quote(value))
	}
	return out, nil
}

// input is one file or dir to stage in: Src on this machine, Rel below the stage dir.
type input struct {
	Src string
	Rel string
}

// expandInputs resolves the input globs. A glob matching nothing is an error.
func expandInputs(workDir string, globs []string) ([]input, error) {
	var out []input
	for _, g := range globs {
		pattern := g
		if !filepath.IsAbs(g) {
			pattern = filepath.Join(workDir, g)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, oerrors.NewValidationError("bad input glob %q: %v", g, err)
		}
		if len(matches) == 0 {
			return nil, oerrors.NewValidationError("input file %q matches nothing", g)
		}
		for _, m := range matches {
			rel := filepath.Base(m)
			if !filepath.IsAbs(g) {
				if rel, err = filepath.Rel(workDir, m); err != nil {
					return nil, errors.Wrapf(err, "input %s", m)
				}
			}
			out = append(out, input{Src: m, Rel: rel})
		}
	}
	return out, nil
}

// walkInputs visits in lexical order every file and dir below each input, the input
// itself included, with its path relative to the stage dir.
func walkInputs(inputs []input, fn func(src, rel string, d fs.DirEntry) error) error {
	for _, in := range inputs {
		err := filepath.WalkDir(in.Src, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			sub, err := filepath.Rel(in.Src, p)
			if err != nil {
				return err
			}
			return fn(p, filepath.Join(in.Rel, sub), d)
		})
		if err != nil {
			return errors.Wrapf(err, "input %s", in.Src)
		}
	}
	return nil
}

type hashArg struct {
	Pos   int         `json:"pos"`
	Value interface{} `json:"value"`
}

type inputDigest struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256,omitempty"`
}

// hashDoc is what a call hashes over. It is marshalled and then put in RFC 8785
// canonical form, so equal calls give equal bytes whatever the number formatting.
type hashDoc struct {
	Name      string                 `json:"name"`
	Function  string                 `json:"function"`
	Args      []hashArg              `json:"args"`
	Kwargs    map[string]interface{} `json:"kwargs"`
	Resources resources.Request      `json:"resources"`
	Inputs    []inputDigest          `json:"inputs"`
}

// Hash identifies the call for restarts: the same name, function, arguments,
// resources and input files give the same hash. It is unpadded URL-safe base64 of a SHA-256.
func (c Call) Hash(req resources.Request, workDir string) (string, error) {
	inputs, err := expandInputs(workDir, c.InputFiles)
	if err != nil {
		return "", err
	}
	return c.hash(req, inputs)
}

func (c Call) hash(req resources.Request, inputs []input) (string, error) {
	ignoredArg := map[int]bool{}
	for _, i := range c.HashIgnore.Args {
		ignoredArg[i] = true
	}
	ignoredKw := map[string]bool{}
	for _, k := range c.HashIgnore.Kwargs {
		ignoredKw[k] = true
	}

	doc := hashDoc{Name: c.Name, Function: c.Function, Args: []hashArg{}, Kwargs: map[string]interface{}{}, Resources: req, Inputs: []inputDigest{}}
	for i, a := range c.Args {
		if !ignoredArg[i] {
			doc.Args = append(doc.Args, hashArg{Pos: i, Value: a})
		}
	}
	for k, v := range c.Kwargs {
		if !ignoredKw[k] {
			doc.Kwargs[k] = v
		}
	}
	doc.Resources.Partitions = append([]string(nil), req.Partitions...)
	sort.Strings(doc.Resources.Partitions)

	err := walkInputs(inputs, func(src, rel string, d fs.DirEntry) error {
		digest := inputDigest{Path: filepath.ToSlash(rel)}
		if d.Type().IsRegular() {
			sum, err := fileSHA256(src)
			if err != nil {
				return err
			}
			digest.SHA256 = sum
		}
		doc.Inputs = append(doc.Inputs, digest)
		return nil
	})
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", oerrors.NewValidationError("job %s: arguments cannot be hashed: %v", c.Name, err)
	}
	if data, err = jcs.Transform(data); err != nil {
		return "", oerrors.NewValidationError("job %s: arguments cannot be hashed: %v", c.Name, err)
	}
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
