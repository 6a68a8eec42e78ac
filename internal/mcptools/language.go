package mcptools

import (
	"path/filepath"
	"strings"
)

// OpenForUserMsg asks the UI to display file content in the editor pane,
// emitted by tools that mutate a file the user is likely to want to see.
type OpenForUserMsg struct {
	Content  string
	Language string
	FilePath string
}

var extLanguages = map[string]string{
	".go": "go", ".py": "python", ".js": "javascript", ".ts": "typescript",
	".jsx": "jsx", ".tsx": "tsx", ".java": "java", ".c": "c", ".cpp": "cpp",
	".cc": "cpp", ".h": "c", ".hpp": "cpp", ".cs": "csharp", ".rb": "ruby",
	".php": "php", ".rs": "rust", ".swift": "swift", ".kt": "kotlin",
	".scala": "scala", ".sh": "bash", ".bash": "bash", ".zsh": "zsh",
	".fish": "fish", ".ps1": "powershell", ".r": "r", ".sql": "sql",
	".html": "html", ".htm": "html", ".xml": "xml", ".css": "css",
	".scss": "scss", ".sass": "sass", ".less": "less", ".json": "json",
	".yaml": "yaml", ".yml": "yaml", ".toml": "toml", ".ini": "ini",
	".conf": "nginx", ".md": "markdown", ".markdown": "markdown", ".tex": "tex",
	".vim": "vim", ".lua": "lua", ".perl": "perl", ".pl": "perl",
	".dockerfile": "docker", ".proto": "protobuf",
}

var baseLanguages = map[string]string{
	"dockerfile": "docker",
	"makefile":   "make",
	"gemfile":    "ruby",
	"rakefile":   "ruby",
}

// DetectLanguage returns the Chroma language identifier for a file path.
func DetectLanguage(path string) string {
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	if lang, ok := baseLanguages[strings.ToLower(filepath.Base(path))]; ok {
		return lang
	}
	return "text"
}
