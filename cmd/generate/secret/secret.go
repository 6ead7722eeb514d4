package secret

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

// DefaultSecretBytes is the entropy of a generated secret before hex encoding.
const DefaultSecretBytes = 32

var (
	numBytes int

	Cmd = &cobra.Command{
		Use:   "secret",
		Short: "Generate a random shared secret for handshake signing",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
)

func init() {
	Cmd.Flags().IntVarP(&numBytes, "bytes", "b", DefaultSecretBytes, "secret length in bytes before hex encoding")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	s, err := Generate(numBytes)
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}

// Generate returns a hex-encoded random secret of n bytes.
func Generate(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("secret length %d too short, need at least 16 bytes", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
