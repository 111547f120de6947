package credentials_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwolfenzon/dhis2-chai/internal/credentials"
)

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		env     []string
		want    *credentials.Credentials
		wantErr error
	}{
		{
			name:   "all variables",
			prefix: "PLAY",
			env: []string{
				"PLAY_SERVER=https://play.dhis2.org/40.4.0/api",
				"PLAY_USERNAME=admin",
				"PLAY_PASSWORD=district",
				"PLAY_OAUTH_CLIENT_ID=etl",
				"PLAY_OAUTH_CLIENT_NAME=ETL scripts",
				"PLAY_OAUTH_SECRET=s3cr3t",
				"OTHER_USERNAME=ignored",
			},
			want: &credentials.Credentials{
				Server:     "https://play.dhis2.org/40.4.0/api",
				Username:   "admin",
				Password:   "district",
				ClientID:   "etl",
				ClientName: "ETL scripts",
				Secret:     "s3cr3t",
			},
		},
		{
			name:   "trailing underscore in prefix",
			prefix: "PLAY_",
			env:    []string{"PLAY_USERNAME=admin", "PLAY_PASSWORD=district"},
			want:   &credentials.Credentials{Username: "admin", Password: "district"},
		},
		{
			name:   "client pair only",
			prefix: "PROD",
			env:    []string{"PROD_OAUTH_CLIENT_ID=etl", "PROD_OAUTH_SECRET=s3cr3t"},
			want:   &credentials.Credentials{ClientID: "etl", Secret: "s3cr3t"},
		},
		{
			name:   "username without password passes",
			prefix: "PROD",
			env:    []string{"PROD_USERNAME=admin"},
			want:   &credentials.Credentials{Username: "admin"},
		},
		{
			name:   "secret without client id passes",
			prefix: "PROD",
			env:    []string{"PROD_OAUTH_SECRET=s3cr3t"},
			want:   &credentials.Credentials{Secret: "s3cr3t"},
		},
		{
			name:    "nothing set",
			prefix:  "PROD",
			env:     []string{"PROD_SERVER=https://dhis2.example.org/api"},
			wantErr: credentials.ErrMissingCredentials,
		},
		{
			name:    "empty values count as unset",
			prefix:  "PROD",
			env:     []string{"PROD_USERNAME=", "PROD_PASSWORD=", "PROD_OAUTH_CLIENT_ID=", "PROD_OAUTH_SECRET="},
			wantErr: credentials.ErrMissingCredentials,
		},
		{
			name:    "other prefix does not leak",
			prefix:  "PROD",
			env:     []string{"PRODUCTION_USERNAME=admin", "PLAY_PASSWORD=district"},
			wantErr: credentials.ErrMissingCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := credentials.Load(tt.prefix, environ(tt.env...))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadRejectsInvalidServer(t *testing.T) {
	_, err := credentials.Load("PROD", environ("PROD_SERVER=not a url", "PROD_USERNAME=admin"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, credentials.ErrMissingCredentials)
}

func TestLoadRequiresPrefix(t *testing.T) {
	_, err := credentials.Load("", environ("USERNAME=admin"))
	require.Error(t, err)
}

func TestCredentialPairs(t *testing.T) {
	c := &credentials.Credentials{Username: "admin", ClientID: "etl", Secret: "s3cr3t"}
	assert.False(t, c.HasUserLogin())
	assert.True(t, c.HasClient())

	c.Password = "district"
	assert.True(t, c.HasUserLogin())
}

func TestStringMasksSecrets(t *testing.T) {
	c := &credentials.Credentials{Username: "admin", Password: "district", ClientID: "etl", Secret: "s3cr3t"}
	s := c.String()
	assert.NotContains(t, s, "district")
	assert.NotContains(t, s, "s3cr3t")
	assert.Contains(t, s, "username=admin")
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DOTENV_TEST_USERNAME=admin\nDOTENV_TEST_PASSWORD=district\n"), 0600))
	t.Setenv("DOTENV_TEST_PASSWORD", "from-process")

	require.NoError(t, credentials.LoadDotenv(path))
	t.Cleanup(func() { _ = os.Unsetenv("DOTENV_TEST_USERNAME") })

	creds, err := credentials.Load("DOTENV_TEST", os.Environ)
	require.NoError(t, err)
	assert.Equal(t, "admin", creds.Username)
	assert.Equal(t, "from-process", creds.Password, "existing variables win over the file")
}

func TestLoadDotenvMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, credentials.LoadDotenv())

	require.Error(t, credentials.LoadDotenv(filepath.Join(t.TempDir(), "missing.env")))
}
