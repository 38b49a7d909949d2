package compliance

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Scanner extracts compliance facts from a project's test tree.
//
// It understands Python and Go test files and records where they use
// mocking constructs, where tests are skipped, how many assertions each
// file carries, and which tests are honeypots. The scanner only gathers
// facts; judging them is the policy engine's job.
type Scanner struct {
	logger zerolog.Logger
}

// NewScanner creates a test-tree scanner.
func NewScanner(logger zerolog.Logger) *Scanner {
	return &Scanner{
		logger: logger.With().Str("component", "compliance-scanner").Logger(),
	}
}

var (
	pythonTestFile = regexp.MustCompile(`(^test_.*\.py$|_test\.py$)`)

	pythonTestFunc = regexp.MustCompile(`^\s*(async\s+)?def\s+test_\w+`)
	goTestFunc     = regexp.MustCompile(`^func\s+(Test|Example)\w+\s*\(`)

	pythonAssert = regexp.MustCompile(`^\s*(assert\s|assert\(|self\.assert\w+|pytest\.raises)`)
	goAssert     = regexp.MustCompile(`\bt\.(Error|Errorf|Fatal|Fatalf|Fail|FailNow)\b|\b(assert|require)\.\w+\(`)

	pythonMock = regexp.MustCompile(`\b(unittest\.mock|MagicMock|AsyncMock|mock\.patch|@patch\b|monkeypatch|mocker\.|create_autospec|Mock\()`)
	goMock     = regexp.MustCompile(`\b(gomock|mockery|\w+\.EXPECT\(\))`)

	pythonSkip = regexp.MustCompile(`(@unittest\.skip|@pytest\.mark\.skip|pytest\.skip\(|@skip_if)`)
	goSkip     = regexp.MustCompile(`\bt\.(Skip|Skipf|SkipNow)\b`)

	honeypotName = regexp.MustCompile(`(def\s+test_honeypot_\w+|func\s+TestHoneypot\w+)`)
)

// ScanProject walks the project path and collects facts from every test
// file under it.
func (s *Scanner) ScanProject(ctx context.Context, projectID, root string) (*ScanReport, error) {
	if root == "" {
		return nil, fmt.Errorf("project %s has no local path to scan", projectID)
	}

	report := &ScanReport{
		ProjectID: projectID,
		Root:      root,
		ScannedAt: time.Now(),
	}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			name := info.Name()
			// Vendored and environment trees are not the project's tests.
			if name == "node_modules" || name == "vendor" || name == ".git" ||
				name == ".venv" || name == "venv" || name == "__pycache__" {
				return filepath.SkipDir
			}
			return nil
		}

		if !isTestFile(info.Name()) {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}

		facts, scanErr := s.scanFile(path, rel)
		if scanErr != nil {
			s.logger.Warn().Err(scanErr).Str("file", rel).Msg("failed to scan test file")
			return nil
		}

		report.Files = append(report.Files, *facts)
		report.TotalTests += facts.TestCount
		report.TotalAssertions += facts.AssertionCount
		report.HoneypotTests += len(facts.HoneypotTests)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	s.logger.Info().
		Str("project_id", projectID).
		Int("files", len(report.Files)).
		Int("tests", report.TotalTests).
		Int("honeypots", report.HoneypotTests).
		Msg("test tree scanned")

	return report, nil
}

// scanFile extracts facts from a single test file.
func (s *Scanner) scanFile(path, rel string) (*FileFacts, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return scanReader(rel, f)
}

// ScanContent extracts facts from test file content already in memory.
// Used for sources fetched from a remote host.
func (s *Scanner) ScanContent(rel string, content []byte) (*FileFacts, error) {
	return scanReader(rel, bytes.NewReader(content))
}

// scanReader extracts facts from a test file's content. The relative
// path selects the language ruleset.
func scanReader(rel string, r io.Reader) (*FileFacts, error) {
	isGo := strings.HasSuffix(rel, "_test.go")

	facts := &FileFacts{
		Path:        rel,
		Integration: isIntegrationPath(rel),
	}

	testFunc, assertion, mock, skip := pythonTestFunc, pythonAssert, pythonMock, pythonSkip
	if isGo {
		testFunc, assertion, mock, skip = goTestFunc, goAssert, goMock, goSkip
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if testFunc.MatchString(line) {
			facts.TestCount++
		}
		if assertion.MatchString(line) {
			facts.AssertionCount++
		}
		if mock.MatchString(line) {
			facts.MockUsages = append(facts.MockUsages, Marker{Line: lineNo, Text: trimmed})
		}
		if skip.MatchString(line) {
			facts.SkipMarkers = append(facts.SkipMarkers, Marker{Line: lineNo, Text: trimmed})
		}
		if honeypotName.MatchString(line) {
			facts.HoneypotTests = append(facts.HoneypotTests, Marker{Line: lineNo, Text: trimmed})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return facts, nil
}

// isTestFile reports whether a file name looks like a test file.
func isTestFile(name string) bool {
	if strings.HasSuffix(name, "_test.go") {
		return true
	}
	return pythonTestFile.MatchString(name)
}

// isIntegrationPath reports whether a relative path belongs to an
// integration test tree.
func isIntegrationPath(rel string) bool {
	rel = filepath.ToSlash(strings.ToLower(rel))
	return strings.Contains(rel, "integration") || strings.Contains(rel, "e2e")
}
