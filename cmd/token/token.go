// Package token contains the command that signs bearer tokens for the oddworks server.
package token

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oddnetworks/oddworks/cmd/util"
	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/identity"
	serverconfig "github.com/oddnetworks/oddworks/pkg/server/config"
)

const (
	audienceFlag   = "audience"
	channelFlag    = "channel"
	platformFlag   = "platform"
	viewerFlag     = "viewer"
	subjectFlag    = "subject"
	jwtSecretFlag  = "jwt-secret"
	jwtIssuerFlag  = "jwt-issuer"
	jwtSigningFlag = "jwt-signing-method"
	jwtTTLFlag     = "jwt-ttl"
)

func NewTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the oddworks server",
		Long: `Sign a bearer token for the oddworks server.

Tokens carry an audience and a channel, plus a platform (and optionally a viewer) or a subject.
Tokens with the 'admin' audience may omit the channel.`,
		RunE: runToken,
		Args: cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.StringSlice(audienceFlag, []string{"platform"}, "the token audience")
	flags.String(channelFlag, "", "the channel the token is scoped to")
	flags.String(platformFlag, "", "the platform the token is scoped to")
	flags.String(viewerFlag, "", "the viewer the token is scoped to (requires a platform)")
	flags.String(subjectFlag, "", "the token subject (takes precedence over platform and viewer)")
	flags.String(jwtSecretFlag, "", "(required) the shared secret to sign with")
	flags.String(jwtIssuerFlag, defaultConfig.JWT.Issuer, "the token issuer")
	flags.String(jwtSigningFlag, defaultConfig.JWT.SigningMethod, "the HMAC signing method ('HS256', 'HS384' or 'HS512')")
	flags.Duration(jwtTTLFlag, defaultConfig.JWT.TTL, "the lifetime of the token (0 means it never expires)")

	cmd.PreRun = bindTokenFlagsFunc(flags)

	return cmd
}

func bindTokenFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		for _, name := range []string{audienceFlag, channelFlag, platformFlag, viewerFlag, subjectFlag} {
			util.MustBindPFlag("token."+name, flags.Lookup(name))
		}

		util.MustBindPFlag("jwt.secret", flags.Lookup(jwtSecretFlag))
		util.MustBindEnv("jwt.secret", "ODDWORKS_JWT_SECRET")

		util.MustBindPFlag("jwt.issuer", flags.Lookup(jwtIssuerFlag))
		util.MustBindEnv("jwt.issuer", "ODDWORKS_JWT_ISSUER")

		util.MustBindPFlag("jwt.signingMethod", flags.Lookup(jwtSigningFlag))
		util.MustBindEnv("jwt.signingMethod", "ODDWORKS_JWT_SIGNING_METHOD")

		util.MustBindPFlag("jwt.ttl", flags.Lookup(jwtTTLFlag))
		util.MustBindEnv("jwt.ttl", "ODDWORKS_JWT_TTL")
	}
}

func runToken(cmd *cobra.Command, _ []string) error {
	b := bus.New()

	s, err := identity.New(b, identity.Config{
		Secret:        viper.GetString("jwt.secret"),
		Issuer:        viper.GetString("jwt.issuer"),
		SigningMethod: viper.GetString("jwt.signingMethod"),
		TokenTTL:      viper.GetDuration("jwt.ttl"),
	})
	if err != nil {
		return err
	}
	if err := identity.Register(b, s); err != nil {
		return err
	}

	token, err := bus.QueryAs[string](cmd.Context(), b, identity.SignPattern, identity.Claims{
		Audience: viper.GetStringSlice("token." + audienceFlag),
		Channel:  viper.GetString("token." + channelFlag),
		Platform: viper.GetString("token." + platformFlag),
		Viewer:   viper.GetString("token." + viewerFlag),
		Subject:  viper.GetString("token." + subjectFlag),
	})
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
