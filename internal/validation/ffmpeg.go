// Package validation checks that the local ffmpeg can produce the fixed
// encoder profile before the daemon reports itself ready.
package validation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// MinFFmpegMajor is the oldest ffmpeg release with the fragmented MP4 muxer
// flags and native AAC encoder the capture backend relies on.
const MinFFmpegMajor = 4

// ValidationResult contains the result of an ffmpeg compatibility check
type ValidationResult struct {
	OK       bool
	Message  string
	Issues   []string
	Warnings []string
	Fixes    []string
}

// Err returns nil when the check passed, otherwise an error carrying Message
// and the first issue.
func (r *ValidationResult) Err() error {
	if r.OK {
		return nil
	}
	if len(r.Issues) > 0 {
		return fmt.Errorf("%s: %s", r.Message, r.Issues[0])
	}
	return fmt.Errorf("%s", r.Message)
}

var versionRe = regexp.MustCompile(`ffmpeg version n?(\d+)\.(\d+)`)

// ValidateFFmpegVersion parses the first line of `ffmpeg -version`.
func ValidateFFmpegVersion(versionOutput string) *ValidationResult {
	result := &ValidationResult{OK: true}

	matches := versionRe.FindStringSubmatch(versionOutput)
	if len(matches) < 3 {
		// Git snapshots print a revision instead of a release number.
		if strings.HasPrefix(strings.TrimSpace(versionOutput), "ffmpeg version") {
			line, _, _ := strings.Cut(strings.TrimSpace(versionOutput), "\n")
			result.Message = fmt.Sprintf("ffmpeg build %q has no release number", strings.TrimPrefix(line, "ffmpeg version "))
			result.Warnings = append(result.Warnings, "Could not verify the ffmpeg release; assuming a recent snapshot")
			return result
		}
		result.OK = false
		result.Message = "Could not parse ffmpeg version"
		result.Issues = append(result.Issues, "Unexpected `ffmpeg -version` output")
		result.Fixes = append(result.Fixes, "Check that capture.ffmpeg points at an ffmpeg binary")
		return result
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])

	if major < MinFFmpegMajor {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("ffmpeg %d.%d is too old (requires %d.0+)", major, minor, MinFFmpegMajor))
		result.Fixes = append(result.Fixes, fmt.Sprintf("Install ffmpeg %d.0 or later", MinFFmpegMajor))
		result.Message = fmt.Sprintf("ffmpeg %d.%d requires update", major, minor)
		return result
	}

	result.Message = fmt.Sprintf("ffmpeg %d.%d is compatible", major, minor)
	return result
}

// ValidateEncoder checks that `ffmpeg -encoders` lists codec as an audio
// encoder.
func ValidateEncoder(encodersOutput, codec string) *ValidationResult {
	result := &ValidationResult{OK: true}

	for _, line := range strings.Split(encodersOutput, "\n") {
		fields := strings.Fields(line)
		// " A....D aac   AAC (Advanced Audio Coding)"
		if len(fields) >= 2 && strings.HasPrefix(fields[0], "A") && fields[1] == codec {
			result.Message = fmt.Sprintf("encoder %s is available", codec)
			return result
		}
	}

	result.OK = false
	result.Message = fmt.Sprintf("encoder %s is missing", codec)
	result.Issues = append(result.Issues, fmt.Sprintf("ffmpeg was built without the %s audio encoder", codec))
	result.Fixes = append(result.Fixes, "Install a full ffmpeg build from your distribution")
	return result
}

// CheckFFmpeg runs command to verify its version and encoder list.
func CheckFFmpeg(ctx context.Context, command, codec string) *ValidationResult {
	result := &ValidationResult{OK: true}
	var messages []string

	out, err := exec.CommandContext(ctx, command, "-version").Output()
	if err != nil {
		result.OK = false
		result.Message = fmt.Sprintf("ffmpeg check FAILED: %s: %v", command, err)
		result.Issues = append(result.Issues, "ffmpeg could not be executed")
		result.Fixes = append(result.Fixes, "Install ffmpeg or set capture.ffmpeg / ATTENDREC_FFMPEG")
		return result
	}
	merge(result, ValidateFFmpegVersion(string(out)), &messages)

	out, err = exec.CommandContext(ctx, command, "-hide_banner", "-encoders").Output()
	if err != nil {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("listing encoders failed: %v", err))
		messages = append(messages, "encoder list unavailable")
	} else {
		merge(result, ValidateEncoder(string(bytes.TrimSpace(out)), codec), &messages)
	}

	result.Message = strings.Join(messages, " | ")
	if result.OK {
		result.Message = "ffmpeg check passed: " + result.Message
	} else {
		result.Message = "ffmpeg check FAILED: " + result.Message
	}
	return result
}

func merge(dst, src *ValidationResult, messages *[]string) {
	if !src.OK {
		dst.OK = false
	}
	dst.Issues = append(dst.Issues, src.Issues...)
	dst.Warnings = append(dst.Warnings, src.Warnings...)
	dst.Fixes = append(dst.Fixes, src.Fixes...)
	*messages = append(*messages, src.Message)
}
