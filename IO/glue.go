package IO

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver"
	"go.uber.org/zap"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// Public GLUE mirror used by the reference download script.
const (
	glueBaseURL   = "https://dl.fbaipublicfiles.com/glue/data/"
	mrpcDevIDsURL = "https://dl.fbaipublicfiles.com/glue/data/mrpc_dev_ids.tsv"
	mrpcTrainURL  = "https://dl.fbaipublicfiles.com/senteval/senteval_data/msr_paraphrase_train.txt"
	mrpcTestURL   = "https://dl.fbaipublicfiles.com/senteval/senteval_data/msr_paraphrase_test.txt"
)

// TaskDir is where the task TSVs live under dataDir.
func TaskDir(dataDir string, task Task) string {
	return filepath.Join(dataDir, task.Dir)
}

// EnsureTaskData downloads and unpacks the task files unless train.tsv is
// already present. Nothing is retried.
func EnsureTaskData(ctx context.Context, dataDir string, task Task, logger *zap.SugaredLogger) error {
	dir := TaskDir(dataDir, task)
	if fileExists(filepath.Join(dir, splitFiles["train"])) {
		return nil
	}
	if err := os.MkdirAll(dataDir, os.ModePerm); err != nil {
		return errors.Unavailablef(err, "mkdir %s", dataDir)
	}
	logger.Infof("downloading %s to %s", task.Name, dir)

	if task.Name == "mrpc" {
		return downloadMRPC(ctx, dir)
	}

	zipDest := filepath.Join(dataDir, task.Archive)
	if err := download(ctx, glueBaseURL+task.Archive, zipDest); err != nil {
		return err
	}
	defer os.Remove(zipDest)

	if err := archiver.NewZip().Unarchive(zipDest, dataDir); err != nil {
		return errors.Unavailablef(err, "unzip %s", zipDest)
	}
	if !fileExists(filepath.Join(dir, splitFiles["train"])) {
		return errors.Unavailablef(nil, "%s did not contain %s/train.tsv", task.Archive, task.Dir)
	}
	return nil
}

func download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Unavailablef(err, "build request for %s", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Unavailablef(err, "http get %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Unavailablef(nil, "http get %s: %s", url, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Unavailablef(err, "create %s", dest)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return errors.Unavailablef(err, "download %s", url)
	}
	if err := out.Close(); err != nil {
		return errors.Unavailablef(err, "close %s", dest)
	}
	return nil
}

// downloadMRPC builds train/dev/test.tsv from the MSR paraphrase corpus, moving
// the official dev pairs out of the MSR train file.
func downloadMRPC(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Unavailablef(err, "mkdir %s", dir)
	}
	msrTrain := filepath.Join(dir, "msr_paraphrase_train.txt")
	msrTest := filepath.Join(dir, "msr_paraphrase_test.txt")
	devIDs := filepath.Join(dir, "dev_ids.tsv")
	for url, dest := range map[string]string{mrpcTrainURL: msrTrain, mrpcTestURL: msrTest, mrpcDevIDsURL: devIDs} {
		if err := download(ctx, url, dest); err != nil {
			return err
		}
	}
	return BuildMRPC(dir, msrTrain, msrTest, devIDs)
}

// BuildMRPC writes the GLUE MRPC splits from already downloaded MSR files.
func BuildMRPC(dir, msrTrain, msrTest, devIDsPath string) error {
	devIDs := make(map[string]bool)
	ids, err := readLines(devIDsPath)
	if err != nil {
		return err
	}
	for _, l := range ids {
		devIDs[strings.TrimSpace(l)] = true
	}

	train, err := readLines(msrTrain)
	if err != nil {
		return err
	}
	if len(train) == 0 {
		return errors.Unavailablef(nil, "%s is empty", msrTrain)
	}
	header := strings.TrimPrefix(train[0], "\ufeff")
	trainRows := []string{header}
	devRows := []string{header}
	for _, row := range train[1:] {
		fields := strings.Split(row, "\t")
		if len(fields) != 5 {
			continue
		}
		if devIDs[fields[1]+"\t"+fields[2]] {
			devRows = append(devRows, row)
		} else {
			trainRows = append(trainRows, row)
		}
	}

	test, err := readLines(msrTest)
	if err != nil {
		return err
	}
	if len(test) == 0 {
		return errors.Unavailablef(nil, "%s is empty", msrTest)
	}
	testRows := []string{"index\t#1 ID\t#2 ID\t#1 String\t#2 String"}
	for idx, row := range test[1:] {
		fields := strings.Split(row, "\t")
		if len(fields) != 5 {
			continue
		}
		testRows = append(testRows, fmt.Sprintf("%d\t%s\t%s\t%s\t%s", idx, fields[1], fields[2], fields[3], fields[4]))
	}

	// train.tsv marks the task as present, so it goes last
	splits := []struct {
		name string
		rows []string
	}{
		{"test.tsv", testRows},
		{"dev.tsv", devRows},
		{"train.tsv", trainRows},
	}
	for _, sp := range splits {
		if err := writeLines(filepath.Join(dir, sp.name), sp.rows); err != nil {
			return err
		}
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Unavailablef(err, "open %s", path)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if l := strings.TrimRight(sc.Text(), "\r"); l != "" {
			out = append(out, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Unavailablef(err, "read %s", path)
	}
	return out, nil
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Unavailablef(err, "create %s", path)
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		w.WriteString(l)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Unavailablef(err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Unavailablef(err, "close %s", path)
	}
	return nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
