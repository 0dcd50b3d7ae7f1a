// Package media uploads files customers share in a conversation to
// S3-compatible storage. Messages keep only the opaque "s3://bucket/key"
// reference; viewers get short-lived presigned URLs.
package media
