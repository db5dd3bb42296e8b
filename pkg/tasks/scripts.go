package tasks

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const scriptMode = 0755

var funcs = template.FuncMap{
	"quote": func(s string) string {
		return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
	},
}

type selfUpdateData struct {
	Dir     string
	URL     string
	Digest  string
	Install string
}

var selfUpdateScript = template.Must(template.New("self-update").Funcs(funcs).Parse(`#!/bin/bash
set -e
/bin/mkdir -p {{quote .Dir}}
/usr/bin/wget -v --tries=10 --retry-connrefused -O {{quote .Dir}}/hostmanager.tbz {{quote .URL}}
/usr/bin/openssl dgst -md5 {{quote .Dir}}/hostmanager.tbz > {{quote .Dir}}/hostmanager_digest
/bin/echo {{quote (printf "MD5(%s/hostmanager.tbz)= %s" .Dir .Digest)}} > {{quote .Dir}}/expected_hostmanager_digest
/usr/bin/cmp {{quote .Dir}}/hostmanager_digest {{quote .Dir}}/expected_hostmanager_digest
/bin/rm {{quote .Dir}}/*digest*
/bin/mkdir -p {{quote .Install}}
/bin/tar jxvf {{quote .Dir}}/hostmanager.tbz -C {{quote .Install}}
/bin/rm {{quote .Dir}}/hostmanager.tbz
`))

type unmanageData struct {
	AppUnit  string
	Database string
	Scripts  string
	Staging  string
	Script   string
}

var unmanageScript = template.Must(template.New("unmanage").Funcs(funcs).Parse(`#!/bin/bash
/bin/systemctl disable --now hostmanager.service
/bin/systemctl revert {{quote .AppUnit}}
/bin/systemctl daemon-reload
/bin/rm -rf {{quote .Scripts}} {{quote .Staging}}
/bin/rm -f {{quote .Database}}
/bin/rm -f {{quote .Script}}
`))

func writeScript(path string, tmpl *template.Template, data interface{}) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), scriptMode); err != nil {
		return err
	}
	return os.Chmod(path, scriptMode)
}
