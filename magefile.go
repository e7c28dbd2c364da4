//go:build mage

// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import (
	"os"
	"path"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	packageName = "github.com/n0ot/muxbridged/cmd/muxbridged"
	ldflags     = "-X " + packageName + "/commands.Version=$VERSION"
	outDir      = "bin"
)

var Default = Build
var vars map[string]string

// allow user to override go executable by running as GOEXE=xxx make ... on unix-like systems
var goexe = "go"

func init() {
	if exe := os.Getenv("GOEXE"); exe != "" {
		goexe = exe
	}
}

// Build builds muxbridged
func Build() error {
	mg.Deps(mkBin)
	return sh.RunWith(getVars(), goexe, "build", "-ldflags", ldflags, "-o", path.Join(outDir, "$BIN_NAME"), packageName)
}

// BuildRace builds muxbridged with the race detector enabled
func BuildRace() error {
	mg.Deps(mkBin)
	return sh.RunWith(getVars(), goexe, "build", "-race", "-ldflags", ldflags, "-o", path.Join(outDir, "$BIN_NAME"), packageName)
}

// BuildPi cross-compiles muxbridged for a 64-bit Raspberry Pi
func BuildPi() error {
	mg.Deps(mkBin)
	env := getVars()
	piEnv := map[string]string{"GOOS": "linux", "GOARCH": "arm64", "CGO_ENABLED": "0"}
	for k, v := range env {
		piEnv[k] = v
	}
	return sh.RunWith(piEnv, goexe, "build", "-ldflags", ldflags, "-o", path.Join(outDir, "$BIN_NAME-linux-arm64"), packageName)
}

// Test runs the tests with the race detector enabled
func Test() error {
	return sh.RunV(goexe, "test", "-race", "./...")
}

// Vet runs go vet over every package
func Vet() error {
	return sh.RunV(goexe, "vet", "./...")
}

// DryRun builds muxbridged and starts it with simulated select lines and no status LED,
// serving the browser terminal from $WEB_ROOT when set.
func DryRun() error {
	mg.Deps(Build)
	args := []string{"start", "--dry-run", "--disable-tls"}
	if webRoot := os.Getenv("WEB_ROOT"); webRoot != "" {
		args = append(args, "--web-root", webRoot)
	}
	return sh.RunV(path.Join(outDir, getVars()["BIN_NAME"]), args...)
}

// Install installs muxbridged
func Install() error {
	return sh.RunWith(getVars(), goexe, "install", "-ldflags", ldflags, packageName)
}

// Clean removes all files and directories created by mage targets.
func Clean() error {
	return os.RemoveAll(outDir)
}

func mkBin() error {
	if _, err := os.Stat(outDir); err == nil {
		return nil
	}
	return os.Mkdir(outDir, 0755)
}

func getVars() map[string]string {
	if vars != nil {
		return vars
	}

	vars = make(map[string]string)
	version, err := sh.Output("git", "describe", "--always", "--long", "--dirty")
	if err != nil {
		version = "unset"
	}
	vars["VERSION"] = version

	vars["BIN_NAME"] = "muxbridged"
	if os.Getenv("GOOS") == "windows" {
		vars["BIN_NAME"] += ".exe"
	}

	return vars
}
