package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airview/hub/internal/token"
)

// tokenCmd mints a credential without going through the HTTP token
// service, for ops and testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "hub token generates a new credential for joining a topic",
	Long: `Set the operating parameters with environment variables, for example

export HUB_TOKEN_SECRET=somesecret
export HUB_TOKEN_TOPIC=flights
export HUB_TOKEN_ID=c1
export HUB_TOKEN_TTL=1h
bearer=$(hub token)

HUB_TOKEN_ID is optional; a random identity is generated when unset.
`,

	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("HUB_TOKEN")
		viper.AutomaticEnv()

		viper.SetDefault("ttl", "1h")

		secret := viper.GetString("secret")
		topic := viper.GetString("topic")
		id := viper.GetString("id")
		ttlStr := viper.GetString("ttl")

		if secret == "" {
			fmt.Println("HUB_TOKEN_SECRET not set")
			os.Exit(1)
		}
		if topic == "" {
			fmt.Println("HUB_TOKEN_TOPIC not set")
			os.Exit(1)
		}

		ttl, err := time.ParseDuration(ttlStr)
		if err != nil {
			fmt.Println("cannot parse duration in HUB_TOKEN_TTL=" + ttlStr)
			os.Exit(1)
		}

		if id == "" {
			id = uuid.New().String()
		}

		bearer, err := token.Sign(token.New(id, topic, ttl), secret)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println(bearer)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
