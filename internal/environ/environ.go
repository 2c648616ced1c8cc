// Package environ builds the environment for spawned crawl subprocesses.
package environ

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/crawlhq/spiderd/internal/spiderd"
)

// Builder maps a job message and a worker slot to the child process
// environment. Building the environment also creates the job's log
// directory and prunes old logs for that spider, every time.
type Builder struct {
	LogsDir    string
	DBsDir     string
	LogsToKeep int
	// Settings maps a project name to its settings module override.
	Settings map[string]string
}

// Variables set for every spawned process.
const (
	VarProject        = "SCRAPY_PROJECT"
	VarSpider         = "SCRAPY_SPIDER"
	VarJob            = "SCRAPY_JOB"
	VarSlot           = "SCRAPY_SLOT"
	VarSQLiteDB       = "SCRAPY_SQLITE_DB"
	VarLogFile        = "SCRAPY_LOG_FILE"
	VarSettingsModule = "SCRAPY_SETTINGS_MODULE"
	VarEggFile        = "SCRAPY_EGG_FILE"
)

// Environ returns the variables identifying the job to the child process.
// Missing optional message fields simply omit their variables; a well-formed
// message never produces an error here, only the log-directory side effects
// can fail.
func (b *Builder) Environ(msg spiderd.Message, slot int) (map[string]string, error) {
	env := map[string]string{
		VarSlot:     strconv.Itoa(slot),
		VarSQLiteDB: filepath.Join(b.DBsDir, msg.Project+".db"),
	}
	if msg.Project != "" {
		env[VarProject] = msg.Project
	}
	if msg.Spider != "" {
		env[VarSpider] = msg.Spider
	}
	if msg.Job != "" {
		env[VarJob] = msg.Job
	}
	if module, ok := b.Settings[msg.Project]; ok && module != "" {
		env[VarSettingsModule] = module
	}

	logFile, err := b.prepareLogFile(msg)
	if err != nil {
		return nil, err
	}
	env[VarLogFile] = logFile
	return env, nil
}

// prepareLogFile computes {logs_dir}/{project}/{spider}/{job}.log, creates
// the containing directory, and applies retention to that spider's existing
// logs.
func (b *Builder) prepareLogFile(msg spiderd.Message) (string, error) {
	dir := filepath.Join(b.LogsDir, msg.Project, msg.Spider)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	if err := b.pruneLogs(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, msg.Job+".log"), nil
}

// pruneLogs keeps the first LogsToKeep log files in reverse-lexicographic
// order (newest first for timestamp- or uuid7-named jobs) and deletes the
// rest.
func (b *Builder) pruneLogs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list log directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for i := b.LogsToKeep; i < len(names); i++ {
		if err := os.Remove(filepath.Join(dir, names[i])); err != nil {
			return fmt.Errorf("remove old log: %w", err)
		}
	}
	return nil
}
