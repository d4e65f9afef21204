package job

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	"github.com/pkg/errors"

	"github.com/twitter/offload/batch"
	"github.com/twitter/offload/os/temp"
)

// Files in a job's stage dir. The job script runs in the job dir and leaves
// either SucceededFile or ErrorFile behind when it ends.
const (
	TaskFile       = "_offload_task_in"
	OutputListFile = "_offload_output_files"
	StartedFile    = "_offload_job_started"
	SucceededFile  = "_offload_succeeded"
	ErrorFile      = "_offload_error"
	StdoutFile     = "_offload_stdout"
	StderrFile     = "_offload_stderr"
	CleanedFile    = "_offload_cleaned"

	tmpSucceededFile = "_tmp_offload_succeeded"
	tmpErrorFile     = "_tmp_offload_error"

	stageDirPrefix = "run_"
	cleanedContent = "CLEANED\n"
)

// Codec encodes the task file and decodes the result the runner writes. The
// runner on the system must speak the same encoding.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// bodyCommands wraps the runner so that exactly one of SucceededFile and
// ErrorFile appears once the job ends. The runner is called as
// "<runner> <task file> <result file>" and must exit non-zero on failure.
func bodyCommands(runner string, exports []string, c Call) []string {
	cmds := []string{"touch " + StartedFile, "("}
	cmds = append(cmds, exports...)
	cmds = append(cmds, c.PreRunCommands...)
	cmds = append(cmds,
		runner+" "+TaskFile+" "+tmpSucceededFile+" > "+StdoutFile+" 2> "+StderrFile,
		"error_stat=$?")
	cmds = append(cmds, c.PostRunCommands...)
	return append(cmds,
		"exit $error_stat",
		")",
		"error_stat=$?",
		"if [ $error_stat -eq 0 ] && [ -e "+tmpSucceededFile+" ]; then",
		"    mv "+tmpSucceededFile+" "+SucceededFile,
		"else",
		`    { echo "job exited with status $error_stat"; cat `+StderrFile+" 2> /dev/null; } > "+tmpErrorFile,
		"    mv "+tmpErrorFile+" "+ErrorFile,
		"fi")
}

// stage creates the job's stage dir and fills it with the task, the output list
// and the input files. The dir is removed again if any of that fails.
func stage(root *temp.TempDir, id string, codec Codec, c Call, inputs []input) (dir *temp.TempDir, err error) {
	if dir, err = root.ExclusiveDir(stageDirPrefix + id); err != nil {
		return nil, errors.Wrapf(err, "creating stage dir for %s", id)
	}
	defer func() {
		if err != nil {
			dir.RemoveAll()
			dir = nil
		}
	}()

	task, err := codec.Encode(c.task())
	if err != nil {
		return dir, errors.Wrapf(err, "encoding task of %s", id)
	}
	if err := os.WriteFile(dir.Path(TaskFile), task, 0644); err != nil {
		return dir, err
	}
	if len(c.OutputFiles) > 0 {
		if err := os.WriteFile(dir.Path(OutputListFile), []byte(strings.Join(c.OutputFiles, "\n")+"\n"), 0644); err != nil {
			return dir, err
		}
	}
	return dir, copyInputs(inputs, dir.Dir)
}

// stageCopy skips symlinks; the remote side would see them dangling.
var stageCopy = copy.Options{
	OnSymlink: func(string) copy.SymlinkAction { return copy.Skip },
}

// copyInputs copies each input to its relative path under dst.
func copyInputs(inputs []input, dst string) error {
	for _, in := range inputs {
		if err := copy.Copy(in.Src, filepath.Join(dst, in.Rel), stageCopy); err != nil {
			return errors.Wrapf(err, "input %s", in.Src)
		}
	}
	return nil
}

// copyOutputs copies the globs listed in the stage dir's output list into workDir.
func copyOutputs(stageDir, workDir string) error {
	f, err := os.Open(filepath.Join(stageDir, OutputListFile))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		g := strings.TrimSpace(sc.Text())
		if g == "" {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(stageDir, g))
		if err != nil {
			return errors.Wrapf(err, "bad output glob %q", g)
		}
		if len(matches) == 0 {
			return errors.Errorf("output %q matched nothing in %s", g, stageDir)
		}
		if err := copyInputs(relativeTo(stageDir, matches), workDir); err != nil {
			return err
		}
	}
	return sc.Err()
}

func relativeTo(dir string, paths []string) []input {
	out := make([]input, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			rel = filepath.Base(p)
		}
		out = append(out, input{Src: p, Rel: rel})
	}
	return out
}

// readDetail gathers what a failed job left behind for the error message.
func readDetail(stageDir, id string) string {
	var parts []string
	for _, f := range []struct{ label, name string }{
		{"error", ErrorFile},
		{"job stderr", batch.StderrFile(id)},
	} {
		data, err := os.ReadFile(filepath.Join(stageDir, f.name))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, f.label+": "+tail(s, 2000))
		}
	}
	if len(parts) == 0 {
		return "no error output"
	}
	return strings.Join(parts, "\n")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// cleanStage overwrites the bulky payload files with CLEANED, or removes the
// whole stage dir when wipe is set.
func cleanStage(stageDir string, wipe bool) error {
	if wipe {
		// Make read-only dirs removable first.
		filepath.WalkDir(stageDir, func(p string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				os.Chmod(p, 0700)
			}
			return nil
		})
		return os.RemoveAll(stageDir)
	}
	if !exists(stageDir) {
		return nil
	}
	for _, f := range []string{TaskFile, SucceededFile} {
		p := filepath.Join(stageDir, f)
		if f == SucceededFile && !exists(p) {
			continue
		}
		if err := os.WriteFile(p, []byte(cleanedContent), 0644); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(stageDir, CleanedFile), []byte(cleanedContent), 0644)
}
