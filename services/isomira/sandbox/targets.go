// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// maxSymlinkDepth bounds dangling symlink chains during canonicalization.
const maxSymlinkDepth = 16

// cdpathVar redirects relative cd and pushd lookups.
const cdpathVar = "CDPATH"

// mutatingVerbs modify the filesystem entries named by their operands.
var mutatingVerbs = map[string]bool{
	"rm": true, "rmdir": true, "mkdir": true, "touch": true,
	"chmod": true, "chown": true, "chgrp": true, "truncate": true,
	"shred": true, "unlink": true, "mv": true, "cp": true,
	"ln": true, "install": true, "rsync": true, "tee": true,
	"dd": true,
}

// shells take a script through -c that is analyzed recursively.
var shells = map[string]bool{"sh": true, "bash": true, "dash": true, "zsh": true}

// noGenericOutput lists commands whose -o / --output flags do not name a
// file to write.
var noGenericOutput = map[string]bool{
	"ls": true, "grep": true, "egrep": true, "fgrep": true, "rg": true,
	"ag": true, "ps": true, "ss": true, "netstat": true, "lsof": true,
	"mount": true, "umount": true, "df": true, "du": true, "pgrep": true,
	"pkill": true, "ssh": true, "sftp": true, "kill": true, "echo": true,
	"printf": true, "cat": true, "head": true, "wc": true, "cut": true,
	"jq": true, "nm": true, "objdump": true, "readelf": true, "fuser": true,
	"systemctl": true, "journalctl": true, "apt": true, "apt-get": true,
}

var genericOutputFlags = flagSet("-o", "--output", "--output-file", "--outfile", "--out")

// valuedFlags lists, per verb, the flags that consume a value.
var valuedFlags = map[string]map[string]bool{
	"cp":       flagSet("-t", "--target-directory", "-S", "--suffix"),
	"mv":       flagSet("-t", "--target-directory", "-S", "--suffix"),
	"ln":       flagSet("-t", "--target-directory", "-S", "--suffix"),
	"install":  flagSet("-t", "--target-directory", "-m", "--mode", "-o", "--owner", "-g", "--group", "-S", "--suffix"),
	"mkdir":    flagSet("-m", "--mode"),
	"touch":    flagSet("-d", "--date", "-t", "-r", "--reference"),
	"truncate": flagSet("-s", "--size", "-r", "--reference"),
	"shred":    flagSet("-n", "--iterations", "-s", "--size"),
	"chown":    flagSet("--from"),
	"sed":      flagSet("-e", "--expression", "-f", "--file", "-l", "--line-length"),
	"rsync":    flagSet("-e", "--rsh", "--exclude", "--include", "--filter", "-f", "--log-file", "--exclude-from", "--include-from"),
	"scp":      flagSet("-P", "-i", "-o", "-F", "-c", "-l", "-J", "-S"),
	"tar":      flagSet("-f", "--file", "-C", "--directory", "-T", "--files-from", "-X", "--exclude-from"),
	"unzip":    flagSet("-d"),
	"wget": flagSet("-O", "--output-document", "-P", "--directory-prefix", "-o", "--output-file",
		"-a", "--append-output", "-U", "--user-agent", "--header", "-t", "--tries", "-T", "--timeout", "-e", "--execute"),
	"curl": flagSet("-o", "--output", "--output-dir", "-D", "--dump-header", "-c", "--cookie-jar",
		"-H", "--header", "-d", "--data", "--data-raw", "--data-binary", "-X", "--request", "-u", "--user",
		"-A", "--user-agent", "-e", "--referer", "-b", "--cookie", "-F", "--form", "-m", "--max-time",
		"--connect-timeout", "-w", "--write-out", "-T", "--upload-file", "-x", "--proxy", "-r", "--range",
		"--retry", "-K", "--config"),
	"xargs": flagSet("-I", "-n", "-P", "-L", "-l", "-d", "-E", "-e", "-s", "-a",
		"--max-args", "--max-procs", "--delimiter", "--arg-file", "--replace"),
}

// gitValuedFlags lists subcommand flags of init, clone and worktree add
// that consume a value.
var gitValuedFlags = flagSet("-b", "-B", "--branch", "--initial-branch", "-o", "--origin",
	"--depth", "-c", "--config", "--reference", "--reference-if-able", "--separate-git-dir",
	"-u", "--upload-pack", "--template", "-j", "--jobs", "--filter", "--shallow-since",
	"--shallow-exclude", "--object-format", "--reason")

var (
	braceExpansion = regexp.MustCompile(`\{[^{}]*(,|\.\.)[^{}]*\}`)
	sedInPlace     = regexp.MustCompile(`^-[Enrsuz]*i`)
	digitsOnly     = regexp.MustCompile(`^[0-9]+$`)
	tarModes       = regexp.MustCompile(`^[a-zA-Z]+$`)
)

// commandInfo describes one simple command after wrapper prefixes are
// removed.
type commandInfo struct {
	text       string
	verb       string
	sudoVerb   string
	privileged bool
	bounded    bool
}

// writeTarget is a path a command could write.
type writeTarget struct {
	path     string
	resolved string
	remote   bool
}

// analysis is the static view of a parsed command.
type analysis struct {
	commands     []commandInfo
	targets      []writeTarget
	unverifiable []string

	// linkSources are the paths links created by the command point at.
	linkSources []writeTarget
}

// argWord is a shell word reduced to its literal value where possible.
type argWord struct {
	value   string
	literal bool
	raw     string
}

// analyze parses a command and collects its simple commands and write
// targets. Relative targets resolve against workDir, following cd and
// pushd in source order.
func analyze(command, workDir, home string) (*analysis, error) {
	w := &walker{
		cwd:      workDir,
		cwdKnown: workDir != "",
		home:     home,
		cdpath:   strings.Contains(command, cdpathVar),
		a:        &analysis{},
	}
	if err := w.walk(command); err != nil {
		return nil, err
	}
	return w.a, nil
}

type walker struct {
	cwd      string
	cwdKnown bool
	home     string

	// cdpath is set when the command mentions CDPATH anywhere. Relative
	// cd operands are then unresolvable.
	cdpath bool

	// links holds canonical paths of links created earlier in the command.
	links []string

	a *analysis
}

func (w *walker) walk(script string) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return err
	}
	syntax.Walk(file, w.visit)
	return nil
}

func (w *walker) visit(node syntax.Node) bool {
	switch n := node.(type) {
	case *syntax.CallExpr:
		w.call(n)
	case *syntax.Redirect:
		w.redirect(n)
	case *syntax.Assign:
		if n.Name != nil && n.Name.Value == cdpathVar {
			w.a.unverifiable = append(w.a.unverifiable, cdpathVar+" assignment")
		}
	case *syntax.WordIter:
		if n.Name != nil && n.Name.Value == cdpathVar {
			w.a.unverifiable = append(w.a.unverifiable, cdpathVar+" loop variable")
		}
	}
	return true
}

func (w *walker) word(word *syntax.Word) argWord {
	if word == nil {
		return argWord{literal: true}
	}
	var buf bytes.Buffer
	_ = syntax.NewPrinter().Print(&buf, word)
	value, ok := literalWord(word, w.home)
	return argWord{value: value, literal: ok, raw: buf.String()}
}

func (w *walker) redirect(r *syntax.Redirect) {
	if r.Word == nil {
		return
	}
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll, syntax.ClbOut, syntax.RdrInOut:
		w.addTarget(w.word(r.Word))
	case syntax.DplOut:
		a := w.word(r.Word)
		if a.literal && (a.value == "-" || digitsOnly.MatchString(a.value)) {
			return
		}
		w.addTarget(a)
	}
}

func (w *walker) call(call *syntax.CallExpr) {
	if len(call.Args) == 0 {
		return
	}
	args := make([]argWord, len(call.Args))
	for i, word := range call.Args {
		args[i] = w.word(word)
	}

	info := commandInfo{}
unwrap:
	for len(args) > 0 {
		if !args[0].literal {
			w.a.unverifiable = append(w.a.unverifiable, args[0].raw)
			return
		}
		switch filepath.Base(args[0].value) {
		case "sudo":
			info.privileged = true
			args = args[1:]
			if len(args) > 0 {
				info.sudoVerb = filepath.Base(args[0].value)
				if !args[0].literal {
					info.sudoVerb = args[0].raw
				}
			}
		case "env":
			args = args[1:]
			for len(args) > 0 && args[0].literal &&
				(strings.HasPrefix(args[0].value, "-") || strings.Contains(args[0].value, "=")) {
				args = args[1:]
			}
		case "nohup", "time", "command", "exec", "builtin", "stdbuf":
			args = skipFlags(args[1:])
		case "nice":
			args = args[1:]
			if len(args) > 1 && args[0].value == "-n" {
				args = args[2:]
			}
			args = skipFlags(args)
		case "timeout":
			args = args[1:]
			for len(args) > 0 && strings.HasPrefix(args[0].value, "-") {
				if (args[0].value == "-s" || args[0].value == "-k") && len(args) > 1 {
					args = args[1:]
				}
				args = args[1:]
			}
			if len(args) > 0 {
				args = args[1:]
			}
			info.bounded = true
		case "xargs":
			w.xargs(args[1:], info)
			return
		default:
			break unwrap
		}
	}
	if len(args) == 0 {
		return
	}

	info.verb = filepath.Base(args[0].value)
	info.text = joinWords(args)
	w.a.commands = append(w.a.commands, info)
	w.targetsFor(info.verb, args[1:])
}

func (w *walker) xargs(args []argWord, info commandInfo) {
	parsed := splitArgs(args, valuedFlags["xargs"])
	info.verb = "xargs"
	info.text = "xargs " + joinWords(args)
	w.a.commands = append(w.a.commands, info)
	if len(parsed.operands) == 0 {
		return
	}
	rest := parsed.operands
	verb := filepath.Base(rest[0].value)
	if !rest[0].literal || isMutating(verb, rest[1:]) || shells[verb] {
		w.a.unverifiable = append(w.a.unverifiable, "xargs "+joinWords(rest))
	}
}

func (w *walker) targetsFor(verb string, args []argWord) {
	parsed := splitArgs(args, valuedFlags[verb])
	ops := parsed.operands

	switch verb {
	case "cd", "pushd":
		w.changeDir(ops)
	case "popd":
		w.cwdKnown = false
	case "rm", "rmdir", "mkdir", "touch", "truncate", "shred", "unlink", "tee":
		w.addTargets(ops)
	case "chmod", "chown", "chgrp":
		if parsed.has("--reference") {
			w.addTargets(ops)
		} else if len(ops) > 1 {
			w.addTargets(ops[1:])
		}
	case "mv":
		w.addTargets(ops)
		w.addTargets(parsed.values("-t", "--target-directory"))
	case "ln":
		w.link(parsed)
	case "cp", "install", "rsync", "scp":
		remote := verb == "rsync" || verb == "scp"
		if dirs := parsed.values("-t", "--target-directory"); len(dirs) > 0 {
			w.addTargets(dirs)
		} else if verb == "install" && parsed.has("-d", "--directory") {
			w.addTargets(ops)
		} else if len(ops) >= 2 {
			w.addTargetRemote(ops[len(ops)-1], remote)
		}
		if verb == "rsync" {
			w.addTargets(parsed.values("--log-file"))
		}
	case "dd":
		for _, a := range ops {
			if a.literal && strings.HasPrefix(a.value, "of=") {
				w.addTarget(argWord{value: a.value[3:], literal: true, raw: a.raw})
			} else if !a.literal && strings.HasPrefix(a.raw, "of=") {
				w.addTarget(a)
			}
		}
	case "sed":
		if !parsed.matches(sedInPlace) && !parsed.has("--in-place") {
			return
		}
		files := ops
		if len(parsed.values("-e", "--expression", "-f", "--file")) == 0 && len(files) > 0 {
			files = files[1:]
		}
		w.addTargets(files)
	case "find":
		w.find(args)
	case "wget":
		doc := nonStdout(parsed.values("-O", "--output-document"))
		prefix := parsed.values("-P", "--directory-prefix")
		w.addTargets(doc)
		w.addTargets(prefix)
		w.addTargets(nonStdout(parsed.values("-o", "--output-file", "-a", "--append-output")))
		if len(doc) == 0 && len(prefix) == 0 && !parsed.hasValue("-O", "--output-document") {
			w.addTarget(argWord{value: ".", literal: true, raw: "."})
		}
	case "curl":
		w.addTargets(nonStdout(parsed.values("-o", "--output", "-D", "--dump-header", "-c", "--cookie-jar")))
		outDir := parsed.values("--output-dir")
		w.addTargets(outDir)
		if len(outDir) == 0 && (parsed.has("--remote-name", "--remote-name-all") || parsed.shortSwitch('O')) {
			w.addTarget(argWord{value: ".", literal: true, raw: "."})
		}
	case "tar":
		w.tar(parsed)
	case "unzip":
		if dirs := parsed.values("-d"); len(dirs) > 0 {
			w.addTargets(dirs)
		} else {
			w.addTarget(argWord{value: ".", literal: true, raw: "."})
		}
	case "git":
		w.git(args)
	case "eval":
		w.nested(joinLiteral(args))
	default:
		if shells[verb] {
			w.shell(args)
			return
		}
		if noGenericOutput[verb] {
			return
		}
		generic := splitArgs(args, genericOutputFlags)
		w.addTargets(nonStdout(generic.values("-o", "--output", "--output-file", "--outfile", "--out")))
	}
}

func (w *walker) changeDir(ops []argWord) {
	if len(ops) == 0 {
		if w.home == "" {
			w.cwdKnown = false
			return
		}
		w.cwd = w.home
		return
	}
	dir := ops[0]
	if !dir.literal || dir.value == "-" || (w.cdpath && searchesCDPATH(dir.value)) {
		w.cwdKnown = false
		w.a.unverifiable = append(w.a.unverifiable, "cd "+dir.raw)
		return
	}
	if filepath.IsAbs(dir.value) {
		w.cwd = filepath.Clean(dir.value)
		w.cwdKnown = true
		return
	}
	if w.cwdKnown {
		w.cwd = filepath.Join(w.cwd, dir.value)
	}
}

// searchesCDPATH reports whether cd would consult CDPATH for dir.
func searchesCDPATH(dir string) bool {
	if filepath.IsAbs(dir) || dir == "." || dir == ".." {
		return false
	}
	return !strings.HasPrefix(dir, "./") && !strings.HasPrefix(dir, "../")
}

func (w *walker) find(args []argWord) {
	i := 0
	for i < len(args) && args[i].literal &&
		(args[i].value == "-H" || args[i].value == "-L" || args[i].value == "-P") {
		i++
	}
	var roots []argWord
	for i < len(args) {
		a := args[i]
		if a.literal && (strings.HasPrefix(a.value, "-") || a.value == "(" || a.value == "!") {
			break
		}
		roots = append(roots, a)
		i++
	}

	mutates := false
	rest := args[i:]
	for j := 0; j < len(rest); j++ {
		if !rest[j].literal {
			continue
		}
		switch rest[j].value {
		case "-delete":
			mutates = true
		case "-exec", "-execdir", "-ok", "-okdir":
			if j+1 < len(rest) {
				next := rest[j+1]
				if !next.literal || isMutating(filepath.Base(next.value), rest[j+2:]) || shells[filepath.Base(next.value)] {
					mutates = true
				}
			}
		case "-fprint", "-fprint0", "-fprintf", "-fls":
			if j+1 < len(rest) {
				w.addTarget(rest[j+1])
			}
		}
	}
	if !mutates {
		return
	}
	if len(roots) == 0 {
		w.addTarget(argWord{value: ".", literal: true, raw: "."})
		return
	}
	w.addTargets(roots)
}

func (w *walker) tar(parsed parsedArgs) {
	ops := parsed.operands
	extract := parsed.has("--extract", "--get") || parsed.shortSwitch('x')
	create := parsed.has("--create", "--append", "--update") ||
		parsed.shortSwitch('c') || parsed.shortSwitch('r') || parsed.shortSwitch('u')
	archives := parsed.values("-f", "--file")

	// Old-style bundled modes: tar czf out.tgz dir
	if len(ops) > 0 && ops[0].literal && !strings.HasPrefix(ops[0].value, "-") &&
		tarModes.MatchString(ops[0].value) {
		mode := ops[0].value
		extract = extract || strings.ContainsRune(mode, 'x')
		create = create || strings.ContainsAny(mode, "cru")
		if strings.ContainsRune(mode, 'f') && len(ops) > 1 {
			archives = append(archives, ops[1])
		}
	}

	if dirs := parsed.values("-C", "--directory"); len(dirs) > 0 {
		w.addTargets(dirs)
	} else if extract {
		w.addTarget(argWord{value: ".", literal: true, raw: "."})
	}
	if create {
		w.addTargets(nonStdout(archives))
	}
}

func (w *walker) shell(args []argWord) {
	for i, a := range args {
		if !a.literal || !strings.HasPrefix(a.value, "-") || strings.HasPrefix(a.value, "--") {
			continue
		}
		if !strings.ContainsRune(a.value, 'c') {
			continue
		}
		if i+1 >= len(args) {
			return
		}
		script := args[i+1]
		if !script.literal {
			w.a.unverifiable = append(w.a.unverifiable, script.raw)
			return
		}
		w.nested(script.value)
		return
	}
}

// nested analyzes an embedded script and merges its findings. Links
// created inside the script stay visible to later commands.
func (w *walker) nested(script string) {
	if strings.TrimSpace(script) == "" {
		return
	}
	sub := &walker{
		cwd:      w.cwd,
		cwdKnown: w.cwdKnown,
		home:     w.home,
		cdpath:   w.cdpath || strings.Contains(script, cdpathVar),
		links:    w.links,
		a:        &analysis{},
	}
	if err := sub.walk(script); err != nil {
		w.a.unverifiable = append(w.a.unverifiable, script)
		return
	}
	w.links = sub.links
	w.a.commands = append(w.a.commands, sub.a.commands...)
	w.a.targets = append(w.a.targets, sub.a.targets...)
	w.a.unverifiable = append(w.a.unverifiable, sub.a.unverifiable...)
	w.a.linkSources = append(w.a.linkSources, sub.a.linkSources...)
}

// link records the link ln creates and the path each link points at.
// Symbolic sources resolve against the link's directory, hard link
// sources against the current directory.
func (w *walker) link(parsed parsedArgs) {
	ops := parsed.operands
	symbolic := parsed.has("--symbolic") || parsed.shortSwitch('s')

	dirs := parsed.values("-t", "--target-directory")
	var dest argWord
	var sources []argWord
	intoDir := false
	switch {
	case len(dirs) > 0:
		dest, sources, intoDir = dirs[len(dirs)-1], ops, true
		w.addTargets(dirs)
	case len(ops) >= 2:
		dest, sources = ops[len(ops)-1], ops[:len(ops)-1]
		w.addTarget(dest)
	case len(ops) == 1:
		dest, sources, intoDir = argWord{value: ".", literal: true, raw: "."}, ops, true
		w.addTarget(dest)
	default:
		return
	}

	destPath, ok := w.resolve(dest)
	if !ok {
		return
	}
	if !intoDir && len(sources) > 1 {
		intoDir = true
	}
	if !intoDir {
		if fi, err := os.Stat(canonicalize(destPath)); err == nil && fi.IsDir() {
			intoDir = true
		}
	}

	var created []string
	for _, src := range sources {
		if !src.literal {
			w.a.unverifiable = append(w.a.unverifiable, src.raw)
			continue
		}
		linkPath := destPath
		if intoDir {
			linkPath = filepath.Join(destPath, filepath.Base(src.value))
		}
		created = append(created, canonicalize(linkPath))

		var resolved string
		switch {
		case filepath.IsAbs(src.value):
			resolved = filepath.Clean(src.value)
		case symbolic:
			resolved = filepath.Join(filepath.Dir(linkPath), src.value)
		case !w.cwdKnown:
			w.a.unverifiable = append(w.a.unverifiable, src.value)
			continue
		default:
			resolved = filepath.Join(w.cwd, src.value)
		}
		if w.underLink(resolved) {
			w.a.unverifiable = append(w.a.unverifiable, src.value)
			continue
		}
		w.a.linkSources = append(w.a.linkSources, writeTarget{path: src.value, resolved: resolved})
	}
	w.links = append(w.links, created...)
}

// git resolves the directory a git invocation operates on and the paths
// init, clone and worktree add create. With -C, --git-dir or --work-tree
// every subcommand is treated as writing its effective directory.
func (w *walker) git(args []argWord) {
	savedCwd, savedKnown := w.cwd, w.cwdKnown
	defer func() { w.cwd, w.cwdKnown = savedCwd, savedKnown }()

	relocated := false
	i := 0
	for i < len(args) && args[i].literal && strings.HasPrefix(args[i].value, "-") {
		v := args[i].value
		name, value, hasEq := strings.Cut(v, "=")
		switch {
		case v == "-C":
			if i+1 >= len(args) {
				return
			}
			if !w.enterDir(args[i+1]) {
				return
			}
			relocated = true
			i += 2
		case name == "--git-dir" || name == "--work-tree":
			if hasEq {
				w.addTarget(argWord{value: value, literal: true, raw: value})
				i++
			} else if i+1 < len(args) {
				w.addTarget(args[i+1])
				i += 2
			} else {
				i++
			}
			relocated = true
		case v == "-c" || v == "--namespace" || v == "--config-env" || v == "--super-prefix":
			i += 2
		default:
			i++
		}
	}
	if i >= len(args) {
		return
	}
	sub := args[i]
	parsed := splitArgs(args[i+1:], gitValuedFlags)
	ops := parsed.operands
	here := argWord{value: ".", literal: true, raw: "."}

	switch sub.value {
	case "init":
		w.addTargets(parsed.values("--separate-git-dir"))
		if len(ops) > 0 {
			w.addTarget(ops[0])
		} else {
			w.addTarget(here)
		}
	case "clone":
		w.addTargets(parsed.values("--separate-git-dir"))
		if len(ops) >= 2 {
			w.addTarget(ops[1])
		} else {
			w.addTarget(here)
		}
	case "worktree":
		if len(ops) >= 2 && ops[0].value == "add" {
			w.addTarget(ops[1])
		} else if relocated {
			w.addTarget(here)
		}
	default:
		if relocated {
			w.addTarget(here)
		}
	}
}

// enterDir moves the walker's directory to dir, as git -C does.
func (w *walker) enterDir(dir argWord) bool {
	if !dir.literal {
		w.a.unverifiable = append(w.a.unverifiable, dir.raw)
		return false
	}
	switch {
	case filepath.IsAbs(dir.value):
		w.cwd, w.cwdKnown = filepath.Clean(dir.value), true
	case w.cwdKnown:
		w.cwd = filepath.Join(w.cwd, dir.value)
	}
	return true
}

// resolve returns the absolute lexical path of a literal word.
func (w *walker) resolve(a argWord) (string, bool) {
	switch {
	case !a.literal:
		return "", false
	case filepath.IsAbs(a.value):
		return filepath.Clean(a.value), true
	case !w.cwdKnown:
		return "", false
	default:
		return filepath.Join(w.cwd, a.value), true
	}
}

// underLink reports whether path lies beneath a link created earlier in
// the command. Such paths depend on what the link points at when it runs.
func (w *walker) underLink(path string) bool {
	canonical := canonicalize(path)
	for _, l := range w.links {
		if strings.HasPrefix(canonical, l+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *walker) addTargets(words []argWord) {
	for _, a := range words {
		w.addTarget(a)
	}
}

func (w *walker) addTarget(a argWord) {
	w.addTargetRemote(a, false)
}

func (w *walker) addTargetRemote(a argWord, remoteAware bool) {
	if !a.literal {
		w.a.unverifiable = append(w.a.unverifiable, a.raw)
		return
	}
	p := a.value
	if p == "" {
		return
	}
	if isExempt(p) {
		w.a.targets = append(w.a.targets, writeTarget{path: p, resolved: p})
		return
	}
	if remoteAware && isRemote(p) {
		w.a.targets = append(w.a.targets, writeTarget{path: p, resolved: p, remote: true})
		return
	}
	var resolved string
	switch {
	case filepath.IsAbs(p):
		resolved = filepath.Clean(p)
	case !w.cwdKnown:
		w.a.unverifiable = append(w.a.unverifiable, p)
		return
	default:
		resolved = filepath.Join(w.cwd, p)
	}
	if w.underLink(resolved) {
		w.a.unverifiable = append(w.a.unverifiable, p)
		return
	}
	w.a.targets = append(w.a.targets, writeTarget{path: p, resolved: resolved})
}

// parsedArgs separates flags from operands for one command.
type parsedArgs struct {
	operands []argWord
	flags    map[string][]argWord
	switches []string
}

func (p parsedArgs) values(names ...string) []argWord {
	var out []argWord
	for _, n := range names {
		out = append(out, p.flags[n]...)
	}
	return out
}

func (p parsedArgs) hasValue(names ...string) bool {
	for _, n := range names {
		if _, ok := p.flags[n]; ok {
			return true
		}
	}
	return false
}

func (p parsedArgs) has(names ...string) bool {
	for _, s := range p.switches {
		for _, n := range names {
			if s == n || strings.HasPrefix(s, n+"=") {
				return true
			}
		}
	}
	return p.hasValue(names...)
}

func (p parsedArgs) shortSwitch(c rune) bool {
	for _, s := range p.switches {
		if len(s) > 1 && s[0] == '-' && s[1] != '-' && strings.ContainsRune(s[1:], c) {
			return true
		}
	}
	return false
}

func (p parsedArgs) matches(re *regexp.Regexp) bool {
	for _, s := range p.switches {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// splitArgs parses getopt-style arguments. valued names the flags that
// consume a value, either attached or as the next argument.
func splitArgs(args []argWord, valued map[string]bool) parsedArgs {
	p := parsedArgs{flags: make(map[string][]argWord)}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !a.literal {
			if strings.HasPrefix(a.raw, "-") {
				name, _, _ := strings.Cut(a.raw, "=")
				if valued[name] {
					p.flags[name] = append(p.flags[name], a)
					continue
				}
			}
			p.operands = append(p.operands, a)
			continue
		}
		v := a.value
		switch {
		case v == "--":
			p.operands = append(p.operands, args[i+1:]...)
			return p
		case strings.HasPrefix(v, "--"):
			name, value, hasEq := strings.Cut(v, "=")
			if hasEq {
				p.switches = append(p.switches, v)
				if valued[name] {
					p.flags[name] = append(p.flags[name], argWord{value: value, literal: true, raw: value})
				}
				continue
			}
			if valued[name] && i+1 < len(args) {
				p.flags[name] = append(p.flags[name], args[i+1])
				i++
				continue
			}
			p.switches = append(p.switches, v)
		case strings.HasPrefix(v, "-") && len(v) > 1:
			p.switches = append(p.switches, v)
			for j := 1; j < len(v); j++ {
				name := "-" + string(v[j])
				if !valued[name] {
					continue
				}
				if rest := v[j+1:]; rest != "" {
					p.flags[name] = append(p.flags[name], argWord{value: rest, literal: true, raw: rest})
				} else if i+1 < len(args) {
					p.flags[name] = append(p.flags[name], args[i+1])
					i++
				}
				break
			}
		default:
			p.operands = append(p.operands, a)
		}
	}
	return p
}

// literalWord returns the static value of a word, or false when it depends
// on expansion (parameters, substitutions, brace expansion, ~user).
func literalWord(word *syntax.Word, home string) (string, bool) {
	var sb strings.Builder
	for i, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			v := p.Value
			if i == 0 && strings.HasPrefix(v, "~") {
				if v != "~" && !strings.HasPrefix(v, "~/") {
					return "", false
				}
				if home == "" {
					return "", false
				}
				v = home + v[1:]
			}
			if braceExpansion.MatchString(v) {
				return "", false
			}
			sb.WriteString(unescape(v))
		case *syntax.SglQuoted:
			if p.Dollar {
				return "", false
			}
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				lit, ok := dp.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteRune(r)
	}
	return sb.String()
}

func skipFlags(args []argWord) []argWord {
	for len(args) > 0 && args[0].literal && strings.HasPrefix(args[0].value, "-") {
		args = args[1:]
	}
	return args
}

func isMutating(verb string, rest []argWord) bool {
	if mutatingVerbs[verb] {
		return true
	}
	if verb == "sed" {
		for _, a := range rest {
			if a.literal && (sedInPlace.MatchString(a.value) || strings.HasPrefix(a.value, "--in-place")) {
				return true
			}
		}
	}
	return false
}

func nonStdout(words []argWord) []argWord {
	out := words[:0:0]
	for _, a := range words {
		if a.literal && a.value == "-" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func joinWords(args []argWord) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a.literal {
			parts[i] = a.value
		} else {
			parts[i] = a.raw
		}
	}
	return strings.Join(parts, " ")
}

func joinLiteral(args []argWord) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if !a.literal {
			return ""
		}
		parts = append(parts, a.value)
	}
	return strings.Join(parts, " ")
}

func flagSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// isExempt reports whether a path is a device that discards or forwards
// output.
func isExempt(p string) bool {
	return p == NullDevice || p == "/dev/stdout" || p == "/dev/stderr"
}

// isRemote reports whether an scp/rsync destination names another host.
func isRemote(p string) bool {
	if strings.Contains(p, "://") {
		return true
	}
	if filepath.IsAbs(p) {
		return false
	}
	idx := strings.Index(p, ":")
	return idx > 0 && !strings.Contains(p[:idx], "/")
}

// canonicalize cleans a path and resolves symlinks of its longest existing
// ancestor, so nonexistent targets still resolve through linked parents.
func canonicalize(path string) string {
	return canonicalizeDepth(filepath.Clean(path), 0)
}

func canonicalizeDepth(path string, depth int) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if depth < maxSymlinkDepth {
		if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(path); err == nil {
				if !filepath.IsAbs(dest) {
					dest = filepath.Join(filepath.Dir(path), dest)
				}
				return canonicalizeDepth(filepath.Clean(dest), depth+1)
			}
		}
	}

	var tail []string
	current := path
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return path
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}
	}
}

// within reports whether path equals root or lies beneath it.
func within(root, path string) bool {
	if root == string(filepath.Separator) {
		return true
	}
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Clean(home)
}
