/*
Package bucket brokers short-lived S3 credentials for workloads.

Every container synchronizes volume data against a shared artifact bucket.
Rather than handing workloads the control plane's own credentials, the broker
calls STS GetFederationToken with an inline session policy that restricts the
issued keys to the container's data prefix (data/{namespace}/{name}) and its
namespace cache prefix (cache/{namespace}).
*/
package bucket
