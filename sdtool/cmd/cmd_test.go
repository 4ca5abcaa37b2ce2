package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BertoldVdb/sdspi/sdcard"
)

func writeImage(t *testing.T) (string, []byte) {
	img := make([]byte, 8*sdcard.BlockSize)
	for i := range img {
		img[i] = byte(i % 251)
	}

	path := filepath.Join(t.TempDir(), "card.img")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, img
}

func run(t *testing.T, args ...string) (string, error) {
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return out.String(), err
}

func TestInfoCommand(t *testing.T) {
	path, _ := writeImage(t)

	out, err := run(t, "info", "-d", "image:"+path)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"SIMSD", "5d5d0001", "1024", "512.0 KiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output lacks %q:\n%s", want, out)
		}
	}
}

func TestReadCommand(t *testing.T) {
	path, img := writeImage(t)

	out, err := run(t, "read", "-d", "image:"+path, "--raw=false", "2", "2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Block 2:") || !strings.Contains(out, "Block 3:") {
		t.Errorf("hex dump lacks block headers:\n%s", out[:min(len(out), 200)])
	}

	out, err = run(t, "read", "-d", "image:"+path, "--raw", "5")
	if err != nil {
		t.Fatal(err)
	}
	if out != string(img[5*sdcard.BlockSize:6*sdcard.BlockSize]) {
		t.Error("raw output mismatch")
	}

	if _, err := run(t, "read", "-d", "image:"+path, "--raw=false", "nope"); err == nil {
		t.Error("invalid block number accepted")
	}
}

func TestDumpCommand(t *testing.T) {
	path, img := writeImage(t)
	dst := filepath.Join(t.TempDir(), "copy.img")

	if _, err := run(t, "dump", "-d", "image:"+path, "--start", "1", "--count", "6", dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img[sdcard.BlockSize:7*sdcard.BlockSize]) {
		t.Errorf("dump is %d bytes, content mismatch", len(got))
	}

	if _, err := run(t, "dump", "-d", "image:"+path, "--start", "5000", "--count", "0", dst); err == nil {
		t.Error("start past the end accepted")
	}
}

func TestDumpNoFileOnFailure(t *testing.T) {
	path, _ := writeImage(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		args []string
	}{
		{"missing image", []string{"-d", "image:" + filepath.Join(dir, "nonexistent"), "--start", "0"}},
		{"start past end", []string{"-d", "image:" + path, "--start", "5000"}},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dst := filepath.Join(dir, "out"+string(rune('a'+i))+".img")

			args := append([]string{"dump"}, tc.args...)
			if _, err := run(t, append(args, "--count", "0", dst)...); err == nil {
				t.Fatal("dump succeeded")
			}
			if _, err := os.Stat(dst); !os.IsNotExist(err) {
				t.Errorf("output file left behind: %v", err)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		blocks uint32
		want   string
	}{
		{1, "512.0 B"},
		{2, "1.0 KiB"},
		{1024, "512.0 KiB"},
		{62333952, "29.7 GiB"},
	}

	for _, tc := range tests {
		if got := formatSize(tc.blocks); got != tc.want {
			t.Errorf("formatSize(%d) = %q, want %q", tc.blocks, got, tc.want)
		}
	}
}
