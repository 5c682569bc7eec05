package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"github.com/inconshreveable/go-update"
	"github.com/sirupsen/logrus"
)

const GithubDownloadURL = "https://github.com/optix2000/sotdfix/releases/latest/download/"
const GithubReleasesURL = "https://api.github.com/repos/optix2000/sotdfix/releases/latest"

const UpdateTimeout = 30 * time.Second
const UpdateName = "sotdfix.exe"

type Release = struct {
	TagName string `json:"tag_name"`
}

// newerRelease reports whether tag names a release after current.
func newerRelease(current, tag string) (bool, error) {
	currentVersion, err := semver.Make(strings.Trim(current, "v"))
	if err != nil {
		return false, errors.New("could not parse current version number")
	}

	latestVersion, err := semver.Make(strings.Trim(tag, "v"))
	if err != nil {
		return false, errors.New("could not parse latest version number")
	}

	return currentVersion.Compare(latestVersion) == -1, nil
}

func autoUpdate(log logrus.FieldLogger) error {
	client := http.Client{
		Timeout: UpdateTimeout,
	}
	resp, err := client.Get(GithubReleasesURL)
	if err != nil {
		return errors.New("could not get latest release version number")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.New("could not read latest release version")
	}

	release := &Release{}
	err = json.Unmarshal(body, release)
	if err != nil {
		return errors.New("could not read JSON response with version number")
	}

	newer, err := newerRelease(Version, release.TagName)
	if err != nil || !newer {
		return err
	}

	exePath, err := os.Executable()
	if err != nil {
		return errors.New("could not get executable path")
	}

	log.Infof("New version %s released, downloading...", release.TagName)
	dl, err := client.Get(GithubDownloadURL + UpdateName)
	if err != nil {
		return errors.New("could not download new version")
	}
	defer dl.Body.Close()

	err = update.Apply(dl.Body, update.Options{})
	if err != nil {
		return errors.New("could not update sotdfix")
	}

	command := []string{"/C", "start", exePath}
	args := append(command, os.Args[1:]...)

	cmd := exec.Command("cmd", args...)
	err = cmd.Start()
	if err != nil {
		return errors.New("could not start new sotdfix version")
	}

	os.Exit(0)
	return nil
}
