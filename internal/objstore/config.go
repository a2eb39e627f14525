package objstore

import "detectsvc/internal/infra"

// OptionsFromConfig maps the AWS_* settings onto client options.
func OptionsFromConfig(cfg *infra.Config) Options {
	return Options{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.AWSRegion,
		Profile:         cfg.AWSProfile,
		EndpointURL:     cfg.S3EndpointURL,
		AddressingStyle: cfg.S3AddressingStyle,
		Unsigned:        cfg.S3Unsigned,
		HTTPTimeout:     cfg.DownloadTimeout,
	}
}
