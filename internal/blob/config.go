package blob

import "fmt"

// S3Config carries the credentials and addressing for the backing bucket.
// Endpoint overrides the AWS default for S3-compatible stores (MinIO,
// Garage); path-style addressing is forced when it is set.
type S3Config struct {
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Endpoint      string `mapstructure:"endpoint"`
	UseAccelerate bool   `mapstructure:"use_accelerate"`
}

func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 config: bucket is required")
	}
	if c.Region == "" && c.Endpoint == "" {
		return fmt.Errorf("s3 config: region or endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("s3 config: access_key and secret_key are required")
	}
	return nil
}
