// Package names holds the logical names of every resource in a privacyDAM
// deployment. Out-of-band tooling finds the deployment by these strings, so
// they must not change between releases.
package names

const (
	VPC = "privacyDAM-VPC"

	EndpointECRAPI = "privacyDAM-Endpoint-ECR.API"
	EndpointECRDKR = "privacyDAM-Endpoint-ECR.DKR"
	EndpointLogs   = "privacyDAM-Endpoint-Logs"
	EndpointS3     = "privacyDAM-Endpoint-S3"
	EndpointSQS    = "privacyDAM-Endpoint-SQS"

	SecurityGroupManagement  = "privacyDAM-SecurityGroup-Management"
	SecurityGroupPrivateComm = "privacyDAM-SecurityGroup-PrivateComm"
	SecurityGroupProcessAPI  = "privacyDAM-SecurityGroup-Process"

	Queue  = "privacyDAM-Process.fifo"
	Bucket = "privacydam-archiving"

	ManagementServer = "privacyDAM-EC2-ManagementServer"
	InstanceProfile  = "privacyDAM-EC2-InstanceProfile"

	RoleEC2     = "privacyDAM-Role-EC2"
	RoleECS     = "privacyDAM-Role-ECS"
	RoleECSTask = "privacyDAM-Role-ECSTask"
	RoleLambda  = "privacyDAM-Role-Lambda"

	// Inline policy granting the archiving function access to the bucket.
	PolicyLambdaBucket = "privacyDAM-Policy-Lambda-Bucket"

	Function           = "privacyDAM-Lambda-Archiving"
	FunctionPermission = "privacyDAM-Lambda-Archiving-Events"
	Schedule           = "privacyDAM-Events-Schedule"
	ScheduleTarget     = "privacyDAM-Events-Schedule-Target"
	AlarmFunction      = "privacyDAM-Alarm-Archiving-Errors"

	Repository     = "privacyDAM-ECR-Repository"
	Cluster        = "privacyDAM-ECS-Cluster"
	Container      = "privacyDAM-ECS-Container"
	Service        = "privacyDAM-ECS"
	TaskDefinition = "privacyDAM-ECS-TaskDefinition"
	Logs           = "privacyDAM-ECS-logs"

	LoadBalancer   = "privacyDAM-NLB"
	TargetGroup    = "privacyDAM-NLB-Targets"
	ServiceBinding = "privacyDAM-ECS-NLB-Binding"

	// Listener keeps the historical spelling; renaming it would replace the listener.
	Listener = "privacyDAM-NLB-Lisenter"
)

// Entry pairs an output key with a resource name.
type Entry struct {
	Key  string
	Name string
}

// All returns every stable name in declaration order.
func All() []Entry {
	return []Entry{
		{"vpc", VPC},
		{"endpoint.ecr.api", EndpointECRAPI},
		{"endpoint.ecr.dkr", EndpointECRDKR},
		{"endpoint.logs", EndpointLogs},
		{"endpoint.s3", EndpointS3},
		{"endpoint.sqs", EndpointSQS},
		{"securityGroup.management", SecurityGroupManagement},
		{"securityGroup.privateComm", SecurityGroupPrivateComm},
		{"securityGroup.processApi", SecurityGroupProcessAPI},
		{"sqs", Queue},
		{"s3", Bucket},
		{"ec2.managementServer", ManagementServer},
		{"ec2.instanceProfile", InstanceProfile},
		{"role.ec2", RoleEC2},
		{"role.ecs", RoleECS},
		{"role.ecsTask", RoleECSTask},
		{"role.lambda", RoleLambda},
		{"lambda", Function},
		{"events", Schedule},
		{"alarm.lambda", AlarmFunction},
		{"ecr", Repository},
		{"ecs.cluster", Cluster},
		{"ecs.container", Container},
		{"ecs.service", Service},
		{"ecs.taskDefinition", TaskDefinition},
		{"ecs.logs", Logs},
		{"nlb", LoadBalancer},
		{"nlb.listener", Listener},
		{"nlb.targets", TargetGroup},
	}
}
