package appserver

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/testoutput"

	"gotest.tools/assert"
)

func TestWriteDropIn(t *testing.T) {
	dir, err := ioutil.TempDir("", "appserver")
	assert.NilError(t, err)
	defer os.RemoveAll(dir)

	s := NewSystemd(testoutput.Logger(t, "appserver"), "app.service", "", dir)
	assert.NilError(t, s.writeDropIn(map[string]string{
		"PARAM1":   "value",
		"DB_NAME":  "with space",
		"AWS_ZONE": "us-east-1a",
	}))

	data, err := ioutil.ReadFile(filepath.Join(dir, "app.service.d", dropInName))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "[Service]\n"+
		"Environment=AWS_ZONE=us-east-1a\n"+
		"Environment=\"DB_NAME=with space\"\n"+
		"Environment=PARAM1=value\n")
}

func TestDefaults(t *testing.T) {
	s := NewSystemd(testoutput.Logger(t, "appserver"), "app.service", "", "")
	assert.Equal(t, s.socket, DefaultSocket)
	assert.Equal(t, s.dropInPath(), "/run/systemd/system/app.service.d/"+dropInName)
}

func TestConnectFailure(t *testing.T) {
	s := NewSystemd(testoutput.Logger(t, "appserver"), "app.service", "/nonexistent/socket", "")
	err := s.Restart(context.Background())
	assert.ErrorContains(t, err, "unable to connect")
}
