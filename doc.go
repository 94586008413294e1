// Package imgpull pulls container images from a registry without a
// container engine and re-packages them as archives that "docker load"
// accepts.
//
// The pipeline has four steps, each exposed on [Client]:
//
//  1. [Client.Token] exchanges a repository scope for a bearer token.
//  2. [Client.ResolveIndex] turns a tag into a list of platform manifests
//     and [Client.ResolveDetail] fetches the one the caller picks.
//  3. [Client.Pull] downloads the config and layers into a local cache with
//     a bounded pool of workers, reporting progress per blob.
//  4. [Client.Export] assembles the cached blobs into a legacy image tar.
//
// [Client.PullImage] chains all of them for command-line use.
//
// # Quick Start
//
//	c, err := imgpull.NewClient(imgpull.WithCacheDir("downloads"))
//	if err != nil {
//	    return err
//	}
//	f, err := os.Create("nginx-latest.tar")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//	_, err = c.PullImage(ctx, "nginx:latest", "linux/amd64", f, nil)
//
// # Caching
//
// Blobs are cached as "<cache>/<image>/<algorithm>_<hex>.tar" and reused
// whenever the file size equals the size declared by the manifest. Use
// [WithVerifyDigests] to also check content digests.
package imgpull
