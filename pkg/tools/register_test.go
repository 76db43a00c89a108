package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegisterCoreTools_RegistersFilesystemAndExec(t *testing.T) {
	registry := NewToolRegistry()
	RegisterCoreTools(registry, t.TempDir(), "", 5)

	for _, name := range []string{"read_file", "write_file", "list_dir", "edit_file", "exec"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("expected %q to be registered", name)
		}
	}
	if _, ok := registry.Get("web_search"); ok {
		t.Error("web_search should not be registered without an API key")
	}
}

func TestRegisterCoreTools_RegistersWebSearchWhenKeyPresent(t *testing.T) {
	registry := NewToolRegistry()
	RegisterCoreTools(registry, t.TempDir(), "fake-brave-key", 5)

	if _, ok := registry.Get("web_search"); !ok {
		t.Error("expected web_search to be registered when an API key is provided")
	}
}

func TestWebSearchTool_Name(t *testing.T) {
	tool := NewWebSearchTool("key", 5)
	if tool.Name() != "web_search" {
		t.Errorf("expected name 'web_search', got %q", tool.Name())
	}
}

func TestWebSearchTool_MissingQuery(t *testing.T) {
	tool := NewWebSearchTool("key", 5)
	if _, err := tool.Execute(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("expected error for missing query")
	}
}

func TestWebSearchTool_DefaultsMaxResults(t *testing.T) {
	tool := NewWebSearchTool("key", 0)
	if tool.maxResults != 5 {
		t.Errorf("expected default maxResults of 5, got %d", tool.maxResults)
	}
}

func TestReadFileTool_RequiresPath(t *testing.T) {
	tool := &ReadFileTool{}
	if _, err := tool.Execute(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestWriteAndReadFileTool_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")

	writeTool := &WriteFileTool{}
	if _, err := writeTool.Execute(context.Background(), map[string]interface{}{
		"path": path, "content": "hello world",
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	readTool := &ReadFileTool{}
	result, err := readTool.Execute(context.Background(), map[string]interface{}{"path": path})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(result, "hello world") {
		t.Errorf("expected round-tripped content, got %q", result)
	}
}

func TestListDirTool_ListsEntries(t *testing.T) {
	dir := t.TempDir()
	writeTool := &WriteFileTool{}
	writeTool.Execute(context.Background(), map[string]interface{}{
		"path": filepath.Join(dir, "a.txt"), "content": "x",
	})

	listTool := &ListDirTool{}
	result, err := listTool.Execute(context.Background(), map[string]interface{}{"path": dir})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(result, "a.txt") {
		t.Errorf("expected listing to mention a.txt, got %q", result)
	}
}
