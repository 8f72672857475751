package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	JobArchivePrefix = "jobs/"
	jobArchiveSuffix = ".json"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildJobArchivePath returns the object key holding a finished job.
func BuildJobArchivePath(jobID string) (string, error) {
	if err := validatePathComponent(jobID, "job id"); err != nil {
		return "", err
	}
	return path.Join(JobArchivePrefix, jobID+jobArchiveSuffix), nil
}

// JobIDFromArchivePath reverses BuildJobArchivePath.
func JobIDFromArchivePath(key string) (string, bool) {
	if !strings.HasPrefix(key, JobArchivePrefix) || !strings.HasSuffix(key, jobArchiveSuffix) {
		return "", false
	}
	jobID := strings.TrimSuffix(strings.TrimPrefix(key, JobArchivePrefix), jobArchiveSuffix)
	if validatePathComponent(jobID, "job id") != nil {
		return "", false
	}
	return jobID, true
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
