package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const logName = "hallpeer.log"

// setupLogging writes JSON logs to stdout and to logDir/hallpeer.log.
func setupLogging(logDir string, debug bool) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, logName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		AddSource: debug,
		Level:     level,
	}))
	slog.SetDefault(logger)
	return logger, logFile, nil
}

// compressLog archives the current log to logs-<timestamp>.tar.gz and
// removes it.
func compressLog(logDir string, logger *slog.Logger) error {
	source := filepath.Join(logDir, logName)
	target := filepath.Join(logDir, fmt.Sprintf("logs-%s.tar.gz", time.Now().Format("20060102-150405")))

	file, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}

	outFile, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer outFile.Close()
	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	header.Name = logName
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("compress log: %w", err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	logger.Info("log compressed", "archive", target)
	return os.Remove(source)
}
