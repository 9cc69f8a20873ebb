package secrets

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func (r *resolver) resolveFromSecretsManager(ctx context.Context, secretID string) (string, apperrors.Error) {
	if r.sm == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to load AWS config for secrets manager")
			return "", ErrSecret.New("failed to load AWS config").Err(err)
		}
		r.sm = secretsmanager.NewFromConfig(awsCfg)
	}

	out, err := r.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretID,
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("secret_id", secretID).Msg("failed to fetch secret")
		return "", ErrNotFound.New("failed to fetch secret: " + secretID).Err(err)
	}
	if out.SecretString == nil {
		return "", ErrBadFormat.New("secret has no string value: " + secretID)
	}
	return *out.SecretString, nil
}
