package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/featureguild/pkg/cerr"
)

func decodeInput(toolName string, input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return validationError(toolName, fmt.Sprintf("cannot decode input: %v", err))
	}
	return nil
}

// ReadFile

type ReadFile struct {
	MaxBytes int
}

type readFileInput struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Limit  int    `json:"limit"`
}

type ReadFileOutput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

func (t *ReadFile) Spec() Spec {
	return Spec{
		Name:        "read_file",
		Description: "Read a file inside the task sandbox.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"offset": {"type": "integer", "minimum": 0},
				"limit": {"type": "integer", "minimum": 1}
			},
			"required": ["path"],
			"additionalProperties": false
		}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"},"size":{"type":"integer"},"truncated":{"type":"boolean"}}}`),
	}
}

func (t *ReadFile) Invoke(_ context.Context, env Env, input json.RawMessage) (any, error) {
	var in readFileInput
	if err := decodeInput("read_file", input, &in); err != nil {
		return nil, err
	}
	root, path, err := sandboxPath("read_file", env, in.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("file %s not found", in.Path), err)
		}
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, validationError("read_file", fmt.Sprintf("%s is a directory", in.Path))
	}

	limit := t.MaxBytes
	if in.Limit > 0 && (limit <= 0 || in.Limit < limit) {
		limit = in.Limit
	}
	if in.Offset > 0 {
		if _, err := f.Seek(in.Offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, int64(limit))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &ReadFileOutput{
		Path:      relTo(root, path),
		Content:   string(data),
		Size:      info.Size(),
		Truncated: in.Offset+int64(len(data)) < info.Size(),
	}, nil
}

// ListDirectory

type ListDirectory struct{}

type listDirectoryInput struct {
	Path string `json:"path"`
}

type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type ListDirectoryOutput struct {
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
}

func (t *ListDirectory) Spec() Spec {
	return Spec{
		Name:        "list_directory",
		Description: "List the entries of a directory inside the task sandbox.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"additionalProperties": false
		}`),
	}
}

func (t *ListDirectory) Invoke(_ context.Context, env Env, input json.RawMessage) (any, error) {
	var in listDirectoryInput
	if err := decodeInput("list_directory", input, &in); err != nil {
		return nil, err
	}
	root, path, err := sandboxPath("list_directory", env, in.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("directory %s not found", in.Path), err)
		}
		return nil, err
	}
	out := &ListDirectoryOutput{Path: relTo(root, path), Entries: []DirEntry{}}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		entry := DirEntry{Name: e.Name(), Type: "file"}
		switch {
		case e.IsDir():
			entry.Type = "dir"
		case e.Type()&fs.ModeSymlink != 0:
			entry.Type = "symlink"
		}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			entry.Size = info.Size()
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// SearchText

type SearchText struct {
	MaxFileBytes int64
}

type searchTextInput struct {
	Query      string `json:"query"`
	Regexp     bool   `json:"regexp"`
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type SearchTextOutput struct {
	Matches   []SearchMatch `json:"matches"`
	Truncated bool          `json:"truncated"`
}

const defaultSearchResults = 200

func (t *SearchText) Spec() Spec {
	return Spec{
		Name:        "search_text",
		Description: "Search files inside the task sandbox for a literal string or a regular expression.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"regexp": {"type": "boolean"},
				"path": {"type": "string"},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 1000}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
	}
}

func (t *SearchText) Invoke(ctx context.Context, env Env, input json.RawMessage) (any, error) {
	var in searchTextInput
	if err := decodeInput("search_text", input, &in); err != nil {
		return nil, err
	}
	match := func(line string) bool { return strings.Contains(line, in.Query) }
	if in.Regexp {
		re, err := regexp.Compile(in.Query)
		if err != nil {
			return nil, validationError("search_text", fmt.Sprintf("invalid regexp: %v", err))
		}
		match = re.MatchString
	}
	root, start, err := sandboxPath("search_text", env, in.Path)
	if err != nil {
		return nil, err
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = defaultSearchResults
	}
	maxFile := t.MaxFileBytes
	if maxFile <= 0 {
		maxFile = 4 << 20
	}

	out := &SearchTextOutput{Matches: []SearchMatch{}}
	errStop := errors.New("stop")
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxFile {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if !utf8.ValidString(line) {
				return nil
			}
			if !match(line) {
				continue
			}
			if len(out.Matches) == limit {
				out.Truncated = true
				return errStop
			}
			out.Matches = append(out.Matches, SearchMatch{Path: relTo(root, path), Line: n, Text: line})
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}

// WriteFile

type WriteFile struct{}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteFileOutput struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
	Created      bool   `json:"created"`
}

func (t *WriteFile) Spec() Spec {
	return Spec{
		Name:        "write_file",
		Description: "Create or overwrite a file inside the task sandbox.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"content": {"type": "string"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`),
		NeedsApproval: true,
	}
}

func (t *WriteFile) Prepare(env Env, input json.RawMessage) (string, error) {
	var in writeFileInput
	if err := decodeInput("write_file", input, &in); err != nil {
		return "", err
	}
	root, path, err := sandboxPath("write_file", env, in.Path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("write %d bytes to %s", len(in.Content), relTo(root, path)), nil
}

func (t *WriteFile) Invoke(_ context.Context, env Env, input json.RawMessage) (any, error) {
	var in writeFileInput
	if err := decodeInput("write_file", input, &in); err != nil {
		return nil, err
	}
	root, path, err := sandboxPath("write_file", env, in.Path)
	if err != nil {
		return nil, err
	}
	created := false
	if info, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		created = true
	} else if err == nil && info.IsDir() {
		return nil, validationError("write_file", fmt.Sprintf("%s is a directory", in.Path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return nil, err
	}
	return &WriteFileOutput{Path: relTo(root, path), BytesWritten: len(in.Content), Created: created}, nil
}

// EditFile

type EditFile struct{}

type editFileInput struct {
	Path       string `json:"path"`
	OldContent string `json:"old_content"`
	NewContent string `json:"new_content"`
	ReplaceAll bool   `json:"replace_all"`
}

// EditFileOutput reports the substitutions actually performed. Without
// replace_all only the first occurrence is replaced, so Replacements is 1
// even when more occurrences exist.
type EditFileOutput struct {
	Path          string `json:"path"`
	Replacements  int    `json:"replacements"`
	Occurrences   int    `json:"occurrences"`
	CharsReplaced int    `json:"chars_replaced"`
	Diff          string `json:"diff"`
}

func (t *EditFile) Spec() Spec {
	return Spec{
		Name:        "edit_file",
		Description: "Replace an exact substring of a file inside the task sandbox. Only the first occurrence is replaced unless replace_all is true.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"old_content": {"type": "string", "minLength": 1},
				"new_content": {"type": "string"},
				"replace_all": {"type": "boolean"}
			},
			"required": ["path", "old_content", "new_content"],
			"additionalProperties": false
		}`),
		NeedsApproval: true,
	}
}

func (t *EditFile) Prepare(env Env, input json.RawMessage) (string, error) {
	var in editFileInput
	if err := decodeInput("edit_file", input, &in); err != nil {
		return "", err
	}
	root, path, err := sandboxPath("edit_file", env, in.Path)
	if err != nil {
		return "", err
	}
	scope := "first occurrence"
	if in.ReplaceAll {
		scope = "every occurrence"
	}
	return fmt.Sprintf("edit %s (%s of %d chars)", relTo(root, path), scope, utf8.RuneCountInString(in.OldContent)), nil
}

func (t *EditFile) Invoke(_ context.Context, env Env, input json.RawMessage) (any, error) {
	var in editFileInput
	if err := decodeInput("edit_file", input, &in); err != nil {
		return nil, err
	}
	root, path, err := sandboxPath("edit_file", env, in.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("file %s not found", in.Path), err)
		}
		return nil, err
	}
	before := string(data)
	res, err := ApplyEdit(before, in.OldContent, in.NewContent, in.ReplaceAll)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(res.Content), info.Mode().Perm()); err != nil {
		return nil, err
	}

	rel := relTo(root, path)
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(res.Content),
		FromFile: "a/" + rel,
		ToFile:   "b/" + rel,
		Context:  3,
	})
	if err != nil {
		return nil, err
	}
	return &EditFileOutput{
		Path:          rel,
		Replacements:  res.Replacements,
		Occurrences:   res.Occurrences,
		CharsReplaced: res.CharsReplaced,
		Diff:          diff,
	}, nil
}

type EditResult struct {
	Content       string
	Replacements  int
	Occurrences   int
	CharsReplaced int
}

// ApplyEdit replaces oldContent in content, once or everywhere.
func ApplyEdit(content, oldContent, newContent string, replaceAll bool) (*EditResult, error) {
	if oldContent == "" {
		return nil, validationError("edit_file", "old_content must not be empty")
	}
	occurrences := strings.Count(content, oldContent)
	if occurrences == 0 {
		return nil, cerr.NewError(cerr.NotFound, "old_content not found in file", ErrContentNotFound)
	}
	replacements := 1
	if replaceAll {
		replacements = occurrences
	}
	return &EditResult{
		Content:       strings.Replace(content, oldContent, newContent, replacements),
		Replacements:  replacements,
		Occurrences:   occurrences,
		CharsReplaced: replacements * utf8.RuneCountInString(oldContent),
	}, nil
}

