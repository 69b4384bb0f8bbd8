package testing

// WithFiles pre-populates the mock filesystem with files.
// Keys are paths, values are file contents.
func WithFiles(client *MockClient, files map[string]string) {
	for p, content := range files {
		_ = client.GetFS().WriteFile(p, []byte(content))
	}
}

// WithDirs pre-populates the mock filesystem with directories.
func WithDirs(client *MockClient, dirs []string) {
	for _, dir := range dirs {
		_ = client.GetFS().MkdirAll(dir)
	}
}

// WithExecutables writes files and marks them executable.
func WithExecutables(client *MockClient, files map[string]string) {
	WithFiles(client, files)
	for p := range files {
		_ = client.GetFS().Chmod(p, 0755)
	}
}
