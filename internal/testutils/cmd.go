// Package testutils provides helper functions for testing
package testutils

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
)

// CmdTestCase is a test case for testing cobra CMD flags.
type CmdTestCase struct {
	Name           string
	Short          string
	Default        string
	Dirname        bool
	PersistentFlag bool
	BaseCmd        *cobra.Command
}

// FlagTestHelper is a helper function to test cobra CMD flags.
func FlagTestHelper(t *testing.T, testCase CmdTestCase) {
	t.Helper()
	var flag *pflag.Flag

	if testCase.PersistentFlag {
		flag = testCase.BaseCmd.PersistentFlags().Lookup(testCase.Name)
	} else {
		flag = testCase.BaseCmd.Flags().Lookup(testCase.Name)
	}
	if !assert.NotNil(t, flag, "flag %q should exist", testCase.Name) {
		return
	}
	assert.Equal(t, testCase.Short, flag.Shorthand, "flag %q shorthand", testCase.Name)
	assert.Equal(t, testCase.Default, flag.DefValue, "flag %q default value", testCase.Name)

	if testCase.Dirname {
		assert.Equal(t, []string{}, flag.Annotations[cobra.BashCompSubdirsInDir], "flag %q should complete directories", testCase.Name)
	} else {
		assert.Nil(t, flag.Annotations[cobra.BashCompSubdirsInDir], "flag %q should not complete directories", testCase.Name)
	}
}
