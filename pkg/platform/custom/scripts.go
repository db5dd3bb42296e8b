package custom

import (
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"quote": shellQuote,
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

type scriptData struct {
	Staging  string
	Hooks    string
	URL      string
	Version  string
	Digest   string
	Archive  string
	Unpacked string
}

const scriptHeader = `#!/bin/bash
set -e

function logmsg() {
    echo "$1"
    /usr/bin/logger -t hostmanager "$1"
}
`

var preDeployScript = template.Must(template.New("pre-deploy").Funcs(funcs).Parse(scriptHeader + `
logmsg "Beginning pre-deployment of "{{quote .Version}}
logmsg "Cleaning up staging dir"
/bin/rm -rf {{quote .Staging}}
/bin/mkdir -p {{quote .Staging}}

logmsg "Downloading application version"
DOWNLOAD_TIME=` + "`" + `/usr/bin/time -f %e /usr/bin/wget -v --tries=10 --retry-connrefused -o {{quote .Staging}}/wget.log -O {{quote .Archive}} {{quote .URL}} 2>&1` + "`" + `
DOWNLOAD_RATE=` + "`" + `grep -o '(\(.*\/s\))' {{quote .Staging}}/wget.log | sed 's/[\(\)]//g'` + "`" + `

logmsg "Checking application digest"
/usr/bin/openssl dgst -md5 {{quote .Archive}} > {{quote .Staging}}/application_digest
/bin/echo {{quote (printf "MD5(%s)= %s" .Archive .Digest)}} > {{quote .Staging}}/expected_digest
/usr/bin/cmp {{quote .Staging}}/application_digest {{quote .Staging}}/expected_digest
logmsg "Digest matched"

echo "{\"AppDownloadTime\":\"$DOWNLOAD_TIME\",\"AppDownloadRate\":\"$DOWNLOAD_RATE\"}"
`))

var deployScript = template.Must(template.New("deploy").Funcs(funcs).Parse(scriptHeader + `
logmsg "Unzipping application "{{quote .Version}}
/bin/mkdir -p {{quote .Unpacked}}

set +e
/usr/bin/unzip -o -qq {{quote .Archive}} -d {{quote .Unpacked}}
STATUS=$?
if [ "$STATUS" -ne 0 -a "$STATUS" -ne 1 ]; then logmsg "Failed to unzip application"; exit 1; fi
set -e

/bin/chmod -R +x {{quote .Hooks}}
logmsg "Running custom deploy script"
{{quote .Hooks}}/deploy.sh

logmsg "Deployment complete"
`))
