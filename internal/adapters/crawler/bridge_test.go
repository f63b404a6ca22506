package crawler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestHelperProcess подменяет мост: тесты запускают собственный бинарь с этим тестом.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(2)
	}
	flags := map[string]string{}
	for i := 1; i+1 < len(args); i += 2 {
		flags[args[i]] = args[i+1]
	}

	switch args[0] {
	case "search":
		fmt.Printf(`{"rows":[["101",{"name":"%s","author":"a"}]],"brief":[{"id":"101","title":"t"}]}`, flags["--keyword"])
	case "album":
		fmt.Printf(`{"id":%q,"name":"x"}`, flags["--id"])
	case "photo":
		fmt.Print("not json")
	case "download":
		raw, err := os.ReadFile(flags["--option"])
		if err != nil {
			fmt.Fprintln(os.Stderr, "no option file")
			os.Exit(3)
		}
		var doc struct {
			DirRule struct {
				BaseDir string `yaml:"base_dir"`
			} `yaml:"dir_rule"`
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			os.Exit(3)
		}
		dir := filepath.Join(doc.DirRule.BaseDir, flags["--id"]+" title")
		_ = os.MkdirAll(dir, 0o755)
		_ = os.WriteFile(filepath.Join(dir, "00001.jpg"), []byte("img"), 0o600)
	case "fail":
		fmt.Fprintln(os.Stderr, "progress 1")
		fmt.Fprintln(os.Stderr, "album not found")
		os.Exit(4)
	case "sleep":
		time.Sleep(30 * time.Second)
	}
	os.Exit(0)
}

func helperBridge(t *testing.T, optionFile string) *Bridge {
	t.Helper()
	b, err := NewBridge(BridgeOptions{
		Command:    os.Args[0] + " -test.run=TestHelperProcess --",
		OptionFile: optionFile,
		ProxyURL:   "http://127.0.0.1:7890",
		Env:        []string{"GO_WANT_HELPER_PROCESS=1"},
	})
	require.NoError(t, err)
	return b
}

func TestNewBridgeEmptyCommand(t *testing.T) {
	t.Parallel()

	_, err := NewBridge(BridgeOptions{Command: "   "})
	require.Error(t, err)
}

func TestBridgeSearch(t *testing.T) {
	t.Parallel()

	rs, err := helperBridge(t, "").Search(context.Background(), "kw", 1)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	row, err := rs.At(0)
	require.NoError(t, err)
	require.JSONEq(t, `["101",{"name":"kw","author":"a"}]`, string(row))
	_, err = rs.At(1)
	require.Error(t, err)
	require.Equal(t, []BriefRow{{ID: "101", Title: "t"}}, rs.Brief())
}

func TestBridgeDetails(t *testing.T) {
	t.Parallel()

	b := helperBridge(t, "")
	raw, err := b.AlbumDetail(context.Background(), "42")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"42","name":"x"}`, string(raw))

	_, err = b.PhotoDetail(context.Background(), "7")
	require.Error(t, err, "non-JSON stdout is rejected")
}

func TestBridgeFailureCarriesStderr(t *testing.T) {
	t.Parallel()

	_, err := helperBridge(t, "").run(context.Background(), "fail")
	require.Error(t, err)
	require.Contains(t, err.Error(), "album not found")
}

func TestBridgeDownloadWritesOption(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "base.yml")
	require.NoError(t, os.WriteFile(base, []byte("log: false\ndir_rule:\n  rule: Bd_Aid\n"), 0o600))

	jobDir := t.TempDir()
	err := helperBridge(t, base).DownloadAlbum(context.Background(), "350234", DownloadOptions{BaseDir: jobDir, Threads: 2})
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(jobDir, "350234 title", "00001.jpg"))
	require.NoFileExists(t, filepath.Join(jobDir, jobOptionFile), "option file is removed after the run")
}

func TestBridgeCancelKillsProcess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := helperBridge(t, "").run(ctx, "sleep")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(started), 10*time.Second)
}

func TestWriteJobOptionMerges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := filepath.Join(dir, "base.yml")
	require.NoError(t, os.WriteFile(base, []byte("dir_rule:\n  rule: Bd_Aid\ndownload: 3\n"), 0o600))
	out := filepath.Join(dir, "job.yml")

	require.NoError(t, writeJobOption(base, out, jobOption{BaseDir: "/data/job", Threads: 2, ProxyURL: "http://p"}))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	dirRule := doc["dir_rule"].(map[string]any)
	require.Equal(t, "Bd_Aid", dirRule["rule"])
	require.Equal(t, "/data/job", dirRule["base_dir"])
	image := doc["download"].(map[string]any)["image"].(map[string]any)
	require.Equal(t, 2, image["thread_count"])
	meta := doc["client"].(map[string]any)["postman"].(map[string]any)["meta_data"].(map[string]any)
	require.Equal(t, map[string]any{"http": "http://p", "https": "http://p"}, meta["proxies"])
}

func TestWriteJobOptionMissingBase(t *testing.T) {
	t.Parallel()

	err := writeJobOption(filepath.Join(t.TempDir(), "absent.yml"), filepath.Join(t.TempDir(), "job.yml"), jobOption{BaseDir: "x"})
	require.Error(t, err)
}

// Скрипт-мост из scripts/ объявляет те же подкоманды и флаги, что вызывает Bridge.
func TestReferenceBridgeSubcommands(t *testing.T) {
	t.Parallel()

	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not installed")
	}
	script := filepath.Join("..", "..", "..", "scripts", "jmcomic-bridge")
	require.FileExists(t, script)

	cases := map[string][]string{
		"search":   {"--keyword", "--page"},
		"album":    {"--id"},
		"photo":    {"--id"},
		"download": {"--id", "--option"},
	}
	for sub, flags := range cases {
		out, err := exec.Command(python, script, sub, "--help").CombinedOutput()
		require.NoError(t, err, string(out))
		for _, f := range flags {
			require.Contains(t, string(out), f, sub)
		}
	}
}
